package journal

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// includeDirectives は取り込みとして扱う行頭の語.
var includeDirectives = []string{"!include", "include"}

// DiscoverIncludes は元帳ファイルとそこから辿れる全ての取り込みファイルを返す.
// 先頭は root 自身. 同じファイルは一度だけ現れる.
func DiscoverIncludes(root string) ([]string, error) {
	var files []string
	visited := make(map[string]bool)

	var walk func(file string, top bool) error
	walk = func(file string, top bool) error {
		clean := filepath.Clean(file)
		if visited[clean] {
			return nil
		}
		visited[clean] = true
		files = append(files, clean)

		targets, err := scanIncludes(clean)
		if err != nil {
			if top {
				return err
			}
			// 取り込み先が読めなくても監視対象には残す
			return nil
		}

		for _, t := range targets {
			if err := walk(resolveInclude(clean, t), false); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(root, true); err != nil {
		return nil, err
	}
	return files, nil
}

// scanIncludes は1ファイル分の取り込み先を記述順に返す.
func scanIncludes(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if target, ok := parseInclude(scanner.Text()); ok {
			targets = append(targets, target)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", file, err)
	}
	return targets, nil
}

// parseInclude は取り込み行なら参照先を返す.
func parseInclude(line string) (string, bool) {
	for _, d := range includeDirectives {
		rest, ok := strings.CutPrefix(line, d)
		if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		target := strings.TrimSpace(rest)
		if target == "" {
			return "", false
		}
		return target, true
	}
	return "", false
}

// resolveInclude は絶対パスでなければ取り込み元のディレクトリからの相対として解決する.
func resolveInclude(from, target string) string {
	if path.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Join(filepath.Dir(from), target)
}
