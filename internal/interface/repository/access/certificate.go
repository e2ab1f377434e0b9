package access

import (
	"crypto/x509"
	"errors"
	"strings"
	"time"
)

// 証明書検証の失敗理由
const (
	ReasonNoCertificate = "no certificate presented"
	ReasonNoIssuer      = "no issuer found"
	ReasonNotCA         = "issuer is not a CA"
	ReasonNotYetValid   = "not yet valid"
	ReasonExpired       = "expired"
	ReasonInsecure      = "insecure algorithm"
	ReasonSignature     = "signature failure"
	ReasonOwner         = "unexpected owner"
	ReasonUnexpected    = "certificate unexpected"
)

// classifyVerifyError は x509 の検証エラーを失敗理由と原因の証明書に変換する.
func classifyVerifyError(err error, leaf *x509.Certificate, now time.Time) (string, *x509.Certificate) {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		cert := invalid.Cert
		if cert == nil {
			cert = leaf
		}
		switch invalid.Reason {
		case x509.Expired:
			if now.Before(cert.NotBefore) {
				return ReasonNotYetValid, cert
			}
			return ReasonExpired, cert
		case x509.NotAuthorizedToSign:
			return ReasonNotCA, cert
		case x509.IncompatibleUsage:
			return ReasonOwner, cert
		default:
			return ReasonUnexpected, cert
		}
	}

	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		cert := unknown.Cert
		if cert == nil {
			cert = leaf
		}
		return classifyHint(unknown.Error(), cert, now), cert
	}

	var insecure x509.InsecureAlgorithmError
	if errors.As(err, &insecure) || errors.Is(err, x509.ErrUnsupportedAlgorithm) {
		return ReasonInsecure, leaf
	}

	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return ReasonOwner, leaf
	}

	var constraint x509.ConstraintViolationError
	if errors.As(err, &constraint) {
		return ReasonUnexpected, leaf
	}

	return ReasonSignature, leaf
}

// classifyHint は発行者候補の検証に失敗したときのヒントから理由を選ぶ.
// ヒントは UnknownAuthorityError のメッセージにしか現れない.
func classifyHint(msg string, cert *x509.Certificate, now time.Time) string {
	switch {
	case !strings.Contains(msg, "possibly because of"):
		return ReasonNoIssuer
	case strings.Contains(msg, "cannot sign this kind of certificate"),
		strings.Contains(msg, "not authorized to sign"):
		return ReasonNotCA
	case strings.Contains(msg, "expired or is not yet valid"):
		if now.Before(cert.NotBefore) {
			return ReasonNotYetValid
		}
		return ReasonExpired
	case strings.Contains(msg, "insecure algorithm"),
		strings.Contains(msg, "unsupported algorithm"):
		return ReasonInsecure
	default:
		return ReasonSignature
	}
}

// subjectOf は証明書の識別名を返す.
func subjectOf(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.String()
}
