// Package connection は HTTP 接続ごとの状態を管理する.
package connection

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"ledgerrest/internal/domain"
)

// Phase は接続上のリクエスト処理の段階.
type Phase int

const (
	// AwaitingHeaders はヘッダ待ち. 接続直後の状態.
	AwaitingHeaders Phase = iota
	// AwaitingBody はヘッダを受け取りボディを受信中.
	AwaitingBody
	// Ready はレスポンスを計算済み.
	Ready
	// Completed はレスポンスを返し終えた. keep-alive なら次のリクエストで再開する.
	Completed
)

func (p Phase) String() string {
	switch p {
	case AwaitingHeaders:
		return "awaiting_headers"
	case AwaitingBody:
		return "awaiting_body"
	case Ready:
		return "ready"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// TransitionError は許されない遷移のエラー.
type TransitionError struct {
	From Phase
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection: %s not allowed in phase %s", e.Op, e.From)
}

// State は1つの接続の状態. レスポンスはリクエストごとに一度だけ計算される.
type State struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time

	mu       sync.Mutex
	phase    Phase
	calls    int
	served   int
	body     bytes.Buffer
	response *domain.Response
}

// NewState は新しいStateインスタンスを作成
func NewState(id, remote string) *State {
	return &State{ID: id, RemoteAddr: remote, OpenedAt: time.Now()}
}

// Phase は現在の段階を返す.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Calls は現在のリクエストで受けた呼び出し回数を返す.
func (s *State) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Served はこの接続で返し終えたレスポンスの数を返す.
func (s *State) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Begin はヘッダの受信でリクエストを開始する.
func (s *State) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != AwaitingHeaders && s.phase != Completed {
		return &TransitionError{From: s.phase, Op: "begin"}
	}
	s.body.Reset()
	s.response = nil
	s.calls = 1
	s.phase = AwaitingBody
	return nil
}

// Append は受信したボディの断片を追加する.
func (s *State) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != AwaitingBody {
		return &TransitionError{From: s.phase, Op: "append"}
	}
	s.calls++
	s.body.Write(chunk)
	return nil
}

// Respond はボディの受信完了後に呼ばれ、最初の1回だけ build でレスポンスを作る.
// 2回目以降は保存したレスポンスを返す.
func (s *State) Respond(build func(body []byte) domain.Response) (domain.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case AwaitingBody:
		s.calls++
		body := append([]byte(nil), s.body.Bytes()...)
		resp := build(body)
		s.response = &resp
		s.phase = Ready
		return resp, nil
	case Ready:
		s.calls++
		return *s.response, nil
	default:
		return domain.Response{}, &TransitionError{From: s.phase, Op: "respond"}
	}
}

// Complete はリクエストを終える. 認証で拒否した場合はレスポンスを保存せずに終える.
func (s *State) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Ready {
		s.served++
	}
	s.body.Reset()
	s.response = nil
	s.phase = Completed
}
