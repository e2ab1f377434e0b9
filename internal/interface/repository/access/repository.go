// Package access はクライアント証明書とベーシック認証による認証ゲート.
package access

import (
	"crypto/subtle"
	"crypto/x509"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ledgerrest/internal/domain"
)

const (
	gateCertificate = "client_certificate"
	gateBasicAuth   = "basic_auth"

	// Realm はベーシック認証のレルム
	Realm = "ledger-rest"
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// Config は認証ゲートの設定
type Config struct {
	// ClientCAs が nil でなければクライアント証明書を要求する
	ClientCAs *x509.CertPool
	// Users が空でなければベーシック認証を要求する
	Users   map[string]string
	Logger  domain.Logger
	Metrics domain.MetricsCollector
	// Now は証明書の有効期間の判定に使う. nil なら time.Now
	Now func() time.Time
}

// Repository は認証ゲートの実装
type Repository struct {
	roots   *x509.CertPool
	users   map[string]string
	logger  domain.Logger
	metrics domain.MetricsCollector
	now     func() time.Time
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(config Config) *Repository {
	now := config.Now
	if now == nil {
		now = time.Now
	}

	users := make(map[string]string, len(config.Users))
	for u, p := range config.Users {
		users[u] = p
	}

	return &Repository{
		roots:   config.ClientCAs,
		users:   users,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     now,
	}
}

// Enabled はいずれかのゲートが設定されているかを返す.
func (r *Repository) Enabled() bool {
	return r.roots != nil || len(r.users) > 0
}

// Check はクライアント証明書、ベーシック認証の順に評価し、最初の失敗を返す.
func (r *Repository) Check(c domain.Credentials) *domain.AuthFailure {
	if r.roots != nil {
		if f := r.checkCertificate(c); f != nil {
			return f
		}
	}
	if len(r.users) > 0 {
		if f := r.checkBasicAuth(c); f != nil {
			return f
		}
	}
	return nil
}

func (r *Repository) checkCertificate(c domain.Credentials) *domain.AuthFailure {
	if !c.TLS || len(c.PeerCertificates) == 0 {
		return r.rejectCertificate(ReasonNoCertificate, "", c)
	}

	leaf := c.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, cert := range c.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	now := r.now()
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         r.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err == nil {
		return nil
	}

	reason, cert := classifyVerifyError(err, leaf, now)
	f := r.rejectCertificate(reason, subjectOf(cert), c)
	r.logger.Debug("Certificate verification error", map[string]interface{}{
		"error": err.Error(),
	})
	return f
}

func (r *Repository) rejectCertificate(reason, subject string, c domain.Credentials) *domain.AuthFailure {
	r.metrics.RecordAuthFailure()
	r.logger.Warn("Invalid client certificate received", map[string]interface{}{
		"reason":      reason,
		"certificate": subject,
		"remote":      c.RemoteAddr,
	})
	return &domain.AuthFailure{
		Err: &domain.ErrUnauthorized{Gate: gateCertificate, Reason: reason, Subject: subject},
	}
}

func (r *Repository) checkBasicAuth(c domain.Credentials) *domain.AuthFailure {
	reason := ""
	switch pass, ok := r.users[c.Username]; {
	case !c.HasBasicAuth:
		reason = "missing credentials"
	case !ok || !matchPassword(pass, c.Password):
		reason = "bad credentials"
		r.logger.Warn("Failed user/pass login", map[string]interface{}{
			"user":   c.Username,
			"pass":   c.Password,
			"remote": c.RemoteAddr,
		})
	default:
		return nil
	}

	r.metrics.RecordAuthFailure()
	return &domain.AuthFailure{
		Challenge: `Basic realm="` + Realm + `"`,
		Err:       &domain.ErrUnauthorized{Gate: gateBasicAuth, Reason: reason, Subject: c.Username},
	}
}

// matchPassword は bcrypt のハッシュなら bcrypt で、それ以外は完全一致で照合する.
func matchPassword(stored, given string) bool {
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcrypt(s string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
