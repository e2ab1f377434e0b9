package domain

import (
	"crypto/x509"
	"net/http"
)

// Credentials は認証判定に必要な接続情報.
type Credentials struct {
	// PeerCertificates はTLSで提示されたクライアント証明書チェーン. 平文接続では nil.
	PeerCertificates []*x509.Certificate
	TLS              bool
	Username         string
	Password         string
	HasBasicAuth     bool
	RemoteAddr       string
}

// AuthFailure は認証ゲートの拒否内容.
type AuthFailure struct {
	// Challenge が空でなければ WWW-Authenticate ヘッダとして返す.
	Challenge string
	Err       *ErrUnauthorized
}

// AccessController は認証ゲートのインターフェース.
// 設定されたゲートを順に評価し、最初に失敗したものを返す.
type AccessController interface {
	Check(Credentials) *AuthFailure
	Enabled() bool
}

// CredentialsFromRequest はHTTPリクエストから認証情報を取り出す.
func CredentialsFromRequest(r *http.Request) Credentials {
	c := Credentials{RemoteAddr: r.RemoteAddr}
	if r.TLS != nil {
		c.TLS = true
		c.PeerCertificates = r.TLS.PeerCertificates
	}
	c.Username, c.Password, c.HasBasicAuth = r.BasicAuth()
	return c
}
