package access

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// usersConfig は YAML 形式のユーザーファイル.
type usersConfig struct {
	Users map[string]string `yaml:"users"`
}

// LoadUsers はユーザーとパスワードの表を読み込む.
// 拡張子が .yaml/.yml なら `users:` の対応表、それ以外は1行1つの `user:password`.
func LoadUsers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user/pass file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("user/pass file %s is empty", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseUsersYAML(data)
	default:
		return ParseUsers(string(data))
	}
}

// ParseUsers は `user:password` の行を読む. 空行は読み飛ばす.
func ParseUsers(data string) (map[string]string, error) {
	users := make(map[string]string)

	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed user/pass line %d", i+1)
		}

		user, pass := parts[0], parts[1]
		if _, ok := users[user]; ok {
			return nil, fmt.Errorf("password already defined for user: %s", user)
		}
		users[user] = pass
	}

	if len(users) == 0 {
		return nil, errors.New("no users defined")
	}
	return users, nil
}

func parseUsersYAML(data []byte) (map[string]string, error) {
	var config usersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse user/pass file: %w", err)
	}

	users := make(map[string]string, len(config.Users))
	for user, pass := range config.Users {
		user = strings.TrimSpace(user)
		if user == "" || strings.Contains(user, ":") {
			return nil, fmt.Errorf("invalid user name %q", user)
		}
		users[user] = pass
	}

	if len(users) == 0 {
		return nil, errors.New("no users defined")
	}
	return users, nil
}
