// Package credentials supplies the bearer token sent with every connection handshake.
// Providers are consulted once per attempt so a refreshed token is picked up on reconnect.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/transport"
)

// ErrNoToken is returned by providers that are configured but currently have nothing to offer.
var ErrNoToken = errors.New("no bearer token available")

// Credentials is what a provider hands out for one handshake. An empty token means no header.
type Credentials struct {
	BearerToken string
}

// Provider returns the credential to use for the next handshake.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credentials, error)

func (f ProviderFunc) Credentials(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// Header builds the handshake headers for creds.
func Header(creds Credentials) http.Header {
	h := http.Header{}
	if creds.BearerToken != "" {
		h.Set("Authorization", "Bearer "+creds.BearerToken)
	}
	return h
}

// Static always returns the same token. An empty token yields anonymous handshakes.
type Static string

func (s Static) Credentials(context.Context) (Credentials, error) {
	return Credentials{BearerToken: strings.TrimSpace(string(s))}, nil
}

// File reads the token from a file on every call, so an external refresher can rotate it.
type File struct {
	Path string
}

func (f File) Credentials(context.Context) (Credentials, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return Credentials{}, fmt.Errorf("%s: %w", f.Path, ErrNoToken)
	}
	return Credentials{BearerToken: token}, nil
}

// Env reads the token from an environment variable on every call.
type Env struct {
	Var string
}

func (e Env) Credentials(context.Context) (Credentials, error) {
	token := strings.TrimSpace(os.Getenv(e.Var))
	if token == "" {
		return Credentials{}, fmt.Errorf("$%s: %w", e.Var, ErrNoToken)
	}
	return Credentials{BearerToken: token}, nil
}

// Expiring rejects JWT bearer tokens whose exp claim has passed. Opaque tokens pass through.
// The signature is not checked; that is the server's job.
type Expiring struct {
	Provider Provider
	// Leeway treats tokens expiring within this window as already expired.
	Leeway time.Duration
	Now    func() time.Time
}

func (e Expiring) Credentials(ctx context.Context) (Credentials, error) {
	creds, err := e.Provider.Credentials(ctx)
	if err != nil || creds.BearerToken == "" {
		return creds, err
	}

	exp, ok := ExpiresAt(creds.BearerToken)
	if !ok {
		return creds, nil
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if !now().Add(e.Leeway).Before(exp) {
		return Credentials{}, &transport.AuthError{
			Err: fmt.Errorf("bearer token expired at %s", exp.UTC().Format(time.RFC3339)),
		}
	}
	return creds, nil
}

// ExpiresAt returns the exp claim of a JWT without verifying it. ok is false for
// tokens that are not JWTs or carry no exp.
func ExpiresAt(token string) (time.Time, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// FromConfig builds the provider described by cfg.
func FromConfig(cfg config.CredentialsConfig) (Provider, error) {
	var p Provider
	switch cfg.Source {
	case config.CredentialsNone, "":
		return Static(""), nil
	case config.CredentialsStatic:
		p = Static(cfg.Token)
	case config.CredentialsFile:
		p = File{Path: cfg.File}
	case config.CredentialsEnv:
		p = Env{Var: cfg.EnvVar}
	default:
		return nil, fmt.Errorf("unknown credentials source: %s", cfg.Source)
	}
	if cfg.CheckExpiry {
		p = Expiring{Provider: p}
	}
	return p, nil
}
