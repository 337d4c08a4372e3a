package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Profile holds connection parameters for one broker role. A producer
// profile may differ from the consumer profile; a role's client is
// lazily built from its profile only when no externally supplied client
// exists for that role.
type Profile struct {
	// Addresses lists host:port pairs tried in order
	Addresses []string

	// Username and Password are the broker credentials
	Username string
	Password string

	// VirtualHost is the broker virtual host (AMQP only)
	VirtualHost string

	// Heartbeat is the requested heartbeat interval (0 uses the client default)
	Heartbeat time.Duration

	// DialTimeout bounds the initial connection attempt per address
	DialTimeout time.Duration

	// TLS configures secure transport; applied only when TLS.Enabled
	TLS TLSConfig

	// ChannelCacheSize bounds the pooled channels per connection
	// (0 uses the client default)
	ChannelCacheSize int

	// CheckoutTimeout bounds how long a publish waits for a pooled
	// channel before failing with ResourceExhaustedError
	CheckoutTimeout time.Duration
}

// TLSConfig carries secure-transport parameters. The binder forwards
// these to the broker client; it performs no handshake logic itself.
type TLSConfig struct {
	// Enabled turns TLS on; all other fields are ignored when false
	Enabled bool

	// MinVersion is the minimum TLS version (a tls.VersionTLSxx
	// constant; 0 uses the library default)
	MinVersion uint16

	// CertFile and KeyFile locate the client certificate pair
	CertFile string
	KeyFile  string

	// CAFile locates the CA bundle used to verify the broker
	CAFile string

	// ServerName overrides the expected certificate server name
	ServerName string

	// InsecureSkipVerify disables certificate verification
	InsecureSkipVerify bool
}

// Validate checks the profile is usable.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("connection profile is required")
	}

	if len(p.Addresses) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}

	for i, addr := range p.Addresses {
		if addr == "" {
			return fmt.Errorf("address %d is empty", i)
		}
	}

	if p.TLS.Enabled && (p.TLS.CertFile != "") != (p.TLS.KeyFile != "") {
		return fmt.Errorf("tls cert file and key file must be set together")
	}

	return nil
}

// Build assembles a tls.Config from the key/trust store references.
// Returns nil when TLS is not enabled.
func (t *TLSConfig) Build() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         t.MinVersion,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from CA bundle %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
