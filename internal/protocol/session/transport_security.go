package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrTLSRequired         = errors.New("session: tls required")
	ErrMTLSRequired        = errors.New("session: mtls required")
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
	ErrInsecureSkipVerify  = errors.New("session: insecure skip verify not allowed in production")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	v := strings.ToLower(strings.TrimSpace(string(mode)))
	if v == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(v)
}

// strict reports whether the mode is production, rejecting unknown modes.
func (c Config) strict() (bool, error) {
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
		return false, nil
	case SecurityModeProduction:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
}

// mutual reports whether both ends must present certificates.
func (c Config) mutual() bool {
	return c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction
}

// checkCommon applies the rules shared by both ends of a link.
func (c Config) checkCommon() (bool, error) {
	strict, err := c.strict()
	if err != nil {
		return false, err
	}
	switch {
	case strict && !c.TLS.Enabled:
		return strict, ErrTLSRequired
	case strict && !c.TLS.Mutual:
		return strict, ErrMTLSRequired
	case c.TLS.Mutual && !c.TLS.Enabled:
		return strict, ErrTLSRequired
	}
	return strict, nil
}

func (t TLSConfig) checkKeyPair() error {
	if strings.TrimSpace(t.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(t.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ValidateClientTransport checks the settings a dialing hub will use.
func (c Config) ValidateClientTransport() error {
	strict, err := c.checkCommon()
	if err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return nil
	}
	if strict && c.TLS.InsecureSkipVerify {
		return ErrInsecureSkipVerify
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		return c.TLS.checkKeyPair()
	}
	return nil
}

// ValidateServerTransport checks the settings a listening hub will use.
func (c Config) ValidateServerTransport() error {
	if _, err := c.checkCommon(); err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return nil
	}
	if err := c.TLS.checkKeyPair(); err != nil {
		return err
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ServerTLSConfig returns nil when TLS is disabled.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("session: load server key pair: %w", err)
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{pair}}
	if c.mutual() {
		pool, err := readCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientAuth = tls.RequireAndVerifyClientCert
		out.ClientCAs = pool
	}
	return out, nil
}

// ClientTLSConfig returns nil when TLS is disabled. Without an explicit
// ServerName the host part of addr is verified.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	name := strings.TrimSpace(c.TLS.ServerName)
	if name == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("session: server name from %q: %w", addr, err)
		}
		name = host
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         name,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if strings.TrimSpace(c.TLS.CAFile) != "" {
		pool, err := readCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if c.TLS.Mutual {
		pair, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("session: load client key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}

// PeerIdentity names the peer a verified certificate belongs to: its common
// name, else its first URI or DNS SAN.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	candidates := []string{cert.Subject.CommonName}
	for _, u := range cert.URIs {
		candidates = append(candidates, u.String())
	}
	candidates = append(candidates, cert.DNSNames...)
	for _, v := range candidates {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func readCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("session: no certificates in ca bundle %s", path)
	}
	return pool, nil
}
