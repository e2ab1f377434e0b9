package access

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/repository/metrics"
	"ledgerrest/internal/testutil"
)

func newGate(t *testing.T, config Config) (*Repository, *testutil.RecordingLogger, *metrics.Repository) {
	t.Helper()
	logger := testutil.NewRecordingLogger()
	m := metrics.New("")
	config.Logger = logger
	config.Metrics = m
	return New(config), logger, m
}

func tlsCreds(chain ...*x509.Certificate) domain.Credentials {
	return domain.Credentials{TLS: true, PeerCertificates: chain, RemoteAddr: "192.0.2.1:5000"}
}

func TestDisabledGateAllowsEverything(t *testing.T) {
	gate, _, _ := newGate(t, Config{})
	assert.False(t, gate.Enabled())
	assert.Nil(t, gate.Check(domain.Credentials{}))
}

func TestClientCertificateAccepted(t *testing.T) {
	ca := testutil.NewCA(t, "Ledger Root")
	cert, _ := ca.ClientCert(t, "alice")

	gate, _, m := newGate(t, Config{ClientCAs: ca.Pool()})
	assert.True(t, gate.Enabled())
	assert.Nil(t, gate.Check(tlsCreds(cert)))
	assert.Zero(t, m.GetSnapshot().AuthFailures)
}

func TestClientCertificateThroughIntermediate(t *testing.T) {
	root := testutil.NewCA(t, "Ledger Root")
	interCert, interKey := root.Issue(t, testutil.CertOptions{CommonName: "Ledger Intermediate", IsCA: true})
	inter := &testutil.CertAuthority{Cert: interCert, Key: interKey}
	cert, _ := inter.ClientCert(t, "bob")

	gate, _, _ := newGate(t, Config{ClientCAs: root.Pool()})
	assert.Nil(t, gate.Check(tlsCreds(cert, interCert)))

	f := gate.Check(tlsCreds(cert))
	require.NotNil(t, f)
	assert.Equal(t, ReasonNoIssuer, f.Err.Reason)
}

func TestClientCertificateRejections(t *testing.T) {
	root := testutil.NewCA(t, "Ledger Root")
	other := testutil.NewCA(t, "Someone Else")
	forged := testutil.NewCA(t, "Ledger Root")

	nonCACert, nonCAKey := root.Issue(t, testutil.CertOptions{CommonName: "Not A CA"})
	nonCA := &testutil.CertAuthority{Cert: nonCACert, Key: nonCAKey}

	now := time.Now()
	clientAuth := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}

	tests := []struct {
		name    string
		chain   func() []*x509.Certificate
		reason  string
		subject string
	}{
		{
			name:   "no certificate",
			chain:  func() []*x509.Certificate { return nil },
			reason: ReasonNoCertificate,
		},
		{
			name: "unknown issuer",
			chain: func() []*x509.Certificate {
				c, _ := other.ClientCert(t, "mallory")
				return []*x509.Certificate{c}
			},
			reason:  ReasonNoIssuer,
			subject: "CN=mallory,O=ledger-rest tests",
		},
		{
			name: "expired",
			chain: func() []*x509.Certificate {
				c, _ := root.Issue(t, testutil.CertOptions{
					CommonName: "old", ExtKeyUsage: clientAuth,
					NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(-24 * time.Hour),
				})
				return []*x509.Certificate{c}
			},
			reason:  ReasonExpired,
			subject: "CN=old,O=ledger-rest tests",
		},
		{
			name: "not yet valid",
			chain: func() []*x509.Certificate {
				c, _ := root.Issue(t, testutil.CertOptions{
					CommonName: "future", ExtKeyUsage: clientAuth,
					NotBefore: now.Add(2 * time.Hour), NotAfter: now.Add(4 * time.Hour),
				})
				return []*x509.Certificate{c}
			},
			reason:  ReasonNotYetValid,
			subject: "CN=future,O=ledger-rest tests",
		},
		{
			name: "signature failure",
			chain: func() []*x509.Certificate {
				c, _ := forged.ClientCert(t, "eve")
				return []*x509.Certificate{c}
			},
			reason:  ReasonSignature,
			subject: "CN=eve,O=ledger-rest tests",
		},
		{
			name: "issuer is not a CA",
			chain: func() []*x509.Certificate {
				c, _ := nonCA.ClientCert(t, "trudy")
				return []*x509.Certificate{c, nonCACert}
			},
			reason:  ReasonNotCA,
			subject: "CN=trudy,O=ledger-rest tests",
		},
		{
			name: "server certificate",
			chain: func() []*x509.Certificate {
				c, _ := root.Issue(t, testutil.CertOptions{
					CommonName:  "web",
					ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
				})
				return []*x509.Certificate{c}
			},
			reason:  ReasonOwner,
			subject: "CN=web,O=ledger-rest tests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, logger, m := newGate(t, Config{ClientCAs: root.Pool()})

			f := gate.Check(tlsCreds(tt.chain()...))
			require.NotNil(t, f)
			assert.Empty(t, f.Challenge)
			assert.Equal(t, "client_certificate", f.Err.Gate)
			assert.Equal(t, tt.reason, f.Err.Reason)
			assert.Equal(t, tt.subject, f.Err.Subject)
			assert.Equal(t, int64(1), m.GetSnapshot().AuthFailures)

			recs := logger.Find("Invalid client certificate received")
			require.Len(t, recs, 1)
			assert.Equal(t, tt.reason, recs[0].Fields["reason"])
			assert.Equal(t, tt.subject, recs[0].Fields["certificate"])
		})
	}
}

func TestPlaintextConnectionFailsCertificateGate(t *testing.T) {
	ca := testutil.NewCA(t, "Ledger Root")
	gate, _, _ := newGate(t, Config{ClientCAs: ca.Pool()})

	f := gate.Check(domain.Credentials{Username: "alice", Password: "x", HasBasicAuth: true})
	require.NotNil(t, f)
	assert.Equal(t, ReasonNoCertificate, f.Err.Reason)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	gate, logger, m := newGate(t, Config{Users: map[string]string{
		"alice": "wonderland",
		"bob":   string(hash),
	}})
	require.True(t, gate.Enabled())

	assert.Nil(t, gate.Check(domain.Credentials{Username: "alice", Password: "wonderland", HasBasicAuth: true}))
	assert.Nil(t, gate.Check(domain.Credentials{Username: "bob", Password: "s3cret", HasBasicAuth: true}))

	f := gate.Check(domain.Credentials{})
	require.NotNil(t, f)
	assert.Equal(t, `Basic realm="ledger-rest"`, f.Challenge)
	assert.Equal(t, "missing credentials", f.Err.Reason)
	assert.Empty(t, logger.Find("Failed user/pass login"), "absent credentials are not audited")

	for _, c := range []domain.Credentials{
		{Username: "alice", Password: "Wonderland", HasBasicAuth: true},
		{Username: "bob", Password: string(hash), HasBasicAuth: true},
		{Username: "carol", Password: "wonderland", HasBasicAuth: true},
	} {
		f := gate.Check(c)
		require.NotNil(t, f, c.Username)
		assert.Equal(t, "bad credentials", f.Err.Reason)
		assert.Equal(t, c.Username, f.Err.Subject)
	}

	recs := logger.Find("Failed user/pass login")
	require.Len(t, recs, 3)
	assert.Equal(t, "carol", recs[2].Fields["user"])
	assert.Equal(t, "wonderland", recs[2].Fields["pass"])
	assert.Equal(t, int64(4), m.GetSnapshot().AuthFailures)
}

func TestCertificateGateRunsFirst(t *testing.T) {
	ca := testutil.NewCA(t, "Ledger Root")
	gate, _, _ := newGate(t, Config{
		ClientCAs: ca.Pool(),
		Users:     map[string]string{"alice": "pw"},
	})

	f := gate.Check(domain.Credentials{TLS: true})
	require.NotNil(t, f)
	assert.Equal(t, "client_certificate", f.Err.Gate)

	cert, _ := ca.ClientCert(t, "alice")
	creds := tlsCreds(cert)
	f = gate.Check(creds)
	require.NotNil(t, f)
	assert.Equal(t, "basic_auth", f.Err.Gate)

	creds.Username, creds.Password, creds.HasBasicAuth = "alice", "pw", true
	assert.Nil(t, gate.Check(creds))
}

func TestClockOverride(t *testing.T) {
	ca := testutil.NewCA(t, "Ledger Root")
	cert, _ := ca.ClientCert(t, "alice")

	gate, _, _ := newGate(t, Config{
		ClientCAs: ca.Pool(),
		Now:       func() time.Time { return cert.NotAfter.Add(time.Minute) },
	})
	f := gate.Check(tlsCreds(cert))
	require.NotNil(t, f)
	assert.Equal(t, ReasonExpired, f.Err.Reason)
}
