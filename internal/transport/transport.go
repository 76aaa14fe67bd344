// Package transport provides the message-oriented duplex connections the STOMP
// session runs over: a plain WebSocket, a SockJS WebSocket session, and a dialer
// that falls back from one to the next.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Conn is a duplex connection that carries whole messages.
type Conn interface {
	// ReadMessage blocks until a message arrives, the connection closes, or ctx's deadline passes.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one message. It is safe to call from multiple goroutines.
	WriteMessage(ctx context.Context, data []byte) error
	// Close tears the connection down. Pending reads return an error.
	Close() error
}

// Dialer opens a Conn to a URL with the given handshake headers.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
	Name() string
}

// Options holds settings shared by all dialers.
type Options struct {
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
	ReadLimit        int64
	Subprotocols     []string
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// STOMPSubprotocols are the WebSocket subprotocols a STOMP broker advertises.
var STOMPSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Subprotocols == nil {
		o.Subprotocols = STOMPSubprotocols
	}
	return o
}

// NormalizeURL converts http(s) endpoints to their ws(s) equivalents.
func NormalizeURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ProtocolError{Reason: "invalid url", Err: err}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ProtocolError{Reason: "url has no host"}
	}
	return u, nil
}

// NewTLSConfig builds a client TLS configuration. Empty file names are skipped.
func NewTLSConfig(certFile, keyFile, caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
