package domain

import (
	"fmt"
	"sort"
	"strings"
)

// QueryArg はURIクエリの1つのキーと値の組を表す.
// 同じキーが繰り返し現れることがあり、出現順が保持される.
type QueryArg struct {
	Key   string
	Value string
}

// Request はデーモンが1つの接続から組み立てる不変のリクエスト.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Args    []QueryArg
	Body    []byte
}

// NewRequest は入力をコピーして新しいRequestを作成.
func NewRequest(
	method, path string, headers map[string]string, args []QueryArg, body []byte,
) Request {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}

	return Request{
		Method:  method,
		Path:    path,
		Headers: h,
		Args:    append([]QueryArg(nil), args...),
		Body:    append([]byte(nil), body...),
	}
}

// redactedHeaders は認証情報を含むためログに値を出さないヘッダ (小文字).
var redactedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
}

// String はログ出力用にリクエストを文字列化. 認証情報のヘッダは値を伏せる.
func (r Request) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Method, r.Path)

	for _, a := range r.Args {
		fmt.Fprintf(&b, " %s=%q", a.Key, a.Value)
	}

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := r.Headers[k]
		if redactedHeaders[strings.ToLower(k)] {
			v = "[REDACTED]"
		}
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}

	if len(r.Body) > 0 {
		fmt.Fprintf(&b, "\n\n%s", r.Body)
	}

	return b.String()
}

// Response はルーターまたはデーモンが作成する不変のレスポンス.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// NewResponse は新しいResponseを作成.
func NewResponse(status int, body []byte, headers map[string]string) Response {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return Response{StatusCode: status, Body: body, Headers: h}
}

// Responder はRequestに対するResponseを計算する.
type Responder interface {
	Respond(Request) Response
}

// ResponderFunc は関数をResponderとして扱う.
type ResponderFunc func(Request) Response

func (f ResponderFunc) Respond(r Request) Response {
	return f(r)
}
