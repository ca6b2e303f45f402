package config

import (
	"crypto/tls"
	"fmt"
	"time"
)

// ConnectionSettings carries the per-connection and per-pool tuning shared
// by every server a client talks to. Immutable after construction;
// validated eagerly via Validate.
type ConnectionSettings struct {
	// ConnectTimeout bounds dialing a single connection. Zero means no
	// timeout.
	ConnectTimeout time.Duration

	// ReadTimeout bounds a single wire-message read. Zero means no timeout.
	ReadTimeout time.Duration

	// CheckoutTimeout bounds how long a pool checkout may block waiting for
	// a free connection before failing with a pool timeout.
	CheckoutTimeout time.Duration

	// MaxIdleTime is how long an idle pooled connection is retained before
	// being closed. Zero disables idle pruning.
	MaxIdleTime time.Duration

	// MinPoolSize and MaxPoolSize bound the per-server connection pool.
	MinPoolSize int
	MaxPoolSize int
}

// Validate reports the first configuration error, if any.
func (s ConnectionSettings) Validate() error {
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative, got %v", s.ConnectTimeout)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must not be negative, got %v", s.ReadTimeout)
	}
	if s.CheckoutTimeout < 0 {
		return fmt.Errorf("checkout timeout must not be negative, got %v", s.CheckoutTimeout)
	}
	if s.MaxIdleTime < 0 {
		return fmt.Errorf("max idle time must not be negative, got %v", s.MaxIdleTime)
	}
	if s.MinPoolSize < 0 {
		return fmt.Errorf("min pool size must not be negative, got %d", s.MinPoolSize)
	}
	if s.MaxPoolSize < 1 {
		return fmt.Errorf("max pool size must be at least 1, got %d", s.MaxPoolSize)
	}
	if s.MinPoolSize > s.MaxPoolSize {
		return fmt.Errorf("min pool size %d exceeds max pool size %d", s.MinPoolSize, s.MaxPoolSize)
	}
	return nil
}

// SecuritySettings carries the TLS policy applied to every server
// connection. Immutable after construction.
type SecuritySettings struct {
	// TLSEnabled turns on TLS for all connections, including monitor
	// connections.
	TLSEnabled bool

	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool

	// ServerName overrides the name used for certificate verification.
	// Empty means the dialed hostname.
	ServerName string
}

// TLSConfig builds the tls.Config for dialing, or nil when TLS is disabled.
func (s SecuritySettings) TLSConfig() *tls.Config {
	if !s.TLSEnabled {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: s.InsecureSkipVerify, // #nosec G402
		ServerName:         s.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
}

// Credential is an authentication identity bound to a source database. The
// connectivity core carries credentials through to the handshake layer and
// never interprets them.
type Credential struct {
	Username string
	Password string
	Source   string
}
