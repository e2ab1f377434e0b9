package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRequest はPOSTボディが文法に合わない場合のエラー.
	ErrMalformedRequest = errors.New("malformed request body")
	// ErrMissingQuery は register の GET に query が無い場合のエラー.
	ErrMissingQuery = errors.New("missing query parameter")
	// ErrForbiddenArgument はエンジンの入出力を変更する引数のエラー.
	ErrForbiddenArgument = errors.New("forbidden report argument")
)

// ErrUnauthorized は認証拒否エラー.
type ErrUnauthorized struct {
	Gate    string // "client_certificate" または "basic_auth"
	Reason  string
	Subject string
}

func (e *ErrUnauthorized) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s rejected (%s): %s", e.Gate, e.Reason, e.Subject)
	}
	return fmt.Sprintf("%s rejected (%s)", e.Gate, e.Reason)
}

// ErrJournalUnavailable は元帳の読み込み失敗エラー.
type ErrJournalUnavailable struct {
	Path string
	Err  error
}

func (e *ErrJournalUnavailable) Error() string {
	return fmt.Sprintf("ledger file %s unavailable: %v", e.Path, e.Err)
}

func (e *ErrJournalUnavailable) Unwrap() error {
	return e.Err
}

// ErrRouteNotFound は一致するルートが無い場合のエラー.
type ErrRouteNotFound struct {
	Method string
	Path   string
}

func (e *ErrRouteNotFound) Error() string {
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}
