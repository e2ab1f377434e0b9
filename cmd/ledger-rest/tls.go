package main

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// passwordFunc は暗号化された鍵のパスワードを返す
type passwordFunc func() ([]byte, error)

// keyPassword は --key-password-file があればそれを読み、無ければ端末で入力させる.
func keyPassword(file string, stdin *os.File, prompt io.Writer) passwordFunc {
	return func() ([]byte, error) {
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read key password: %w", err)
			}
			return bytes.TrimRight(data, "\r\n"), nil
		}

		fd := int(stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("private key is encrypted: use --key-password-file when not on a terminal")
		}
		fmt.Fprint(prompt, "Enter private key password: ")
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, fmt.Errorf("read key password: %w", err)
		}
		return pass, nil
	}
}

// loadServerTLS は証明書と鍵、必要ならクライアント証明書の CA を読み込む.
// クライアント証明書はハンドシェイクでは要求だけして、検証は認証ゲートで行う.
func loadServerTLS(c config, password passwordFunc) (*tls.Config, *x509.CertPool, error) {
	cert, err := loadKeyPair(c.Cert, c.Key, password)
	if err != nil {
		return nil, nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCert == "" {
		return tlsConfig, nil, nil
	}

	pool, err := loadCertPool(c.ClientCert)
	if err != nil {
		return nil, nil, err
	}
	tlsConfig.ClientAuth = tls.RequestClientCert
	return tlsConfig, pool, nil
}

func loadKeyPair(certFile, keyFile string, password passwordFunc) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key: %w", err)
	}

	key, err := ssh.ParseRawPrivateKey(keyPEM)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		pass, perr := password()
		if perr != nil {
			return tls.Certificate{}, perr
		}
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(keyPEM, pass)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse key %s: %w", keyFile, err)
	}
	if k, ok := key.(*ed25519.PrivateKey); ok {
		key = *k
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("key %s: unsupported key type %T", keyFile, key)
	}

	var cert tls.Certificate
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("no certificate found in %s", certFile)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate %s: %w", certFile, err)
	}
	if !publicKeyMatches(leaf.PublicKey, signer.Public()) {
		return tls.Certificate{}, fmt.Errorf("key %s does not match certificate %s", keyFile, certFile)
	}
	cert.Leaf = leaf
	cert.PrivateKey = signer
	return cert, nil
}

func publicKeyMatches(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func loadCertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificate found in %s", file)
	}
	return pool, nil
}
