package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/transport"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestHeader(t *testing.T) {
	h := Header(Credentials{BearerToken: "abc"})
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))

	assert.Empty(t, Header(Credentials{}).Get("Authorization"), "no token means no header")
}

func TestStatic(t *testing.T) {
	creds, err := Static("  abc\n").Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.BearerToken)
}

func TestFileIsReadOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	p := File{Path: path}
	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", creds.BearerToken)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	creds, err = p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", creds.BearerToken)

	require.NoError(t, os.WriteFile(path, []byte("  "), 0o600))
	_, err = p.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = File{Path: filepath.Join(t.TempDir(), "missing")}.Credentials(context.Background())
	assert.Error(t, err)
}

func TestEnv(t *testing.T) {
	t.Setenv("TEST_PROGRESS_TOKEN", "from-env")
	creds, err := Env{Var: "TEST_PROGRESS_TOKEN"}.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", creds.BearerToken)

	t.Setenv("TEST_PROGRESS_TOKEN", "")
	_, err = Env{Var: "TEST_PROGRESS_TOKEN"}.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestExpiring(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name     string
		token    string
		leeway   time.Duration
		wantAuth bool
	}{
		{name: "valid jwt", token: signedToken(t, now.Add(time.Hour))},
		{name: "expired jwt", token: signedToken(t, now.Add(-time.Minute)), wantAuth: true},
		{name: "inside leeway", token: signedToken(t, now.Add(10*time.Second)), leeway: 30 * time.Second, wantAuth: true},
		{name: "opaque token", token: "not-a-jwt"},
		{name: "no token", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Expiring{Provider: Static(tt.token), Leeway: tt.leeway, Now: clock}
			creds, err := p.Credentials(context.Background())
			if tt.wantAuth {
				var authErr *transport.AuthError
				require.True(t, errors.As(err, &authErr))
				assert.False(t, transport.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.token, creds.BearerToken)
		})
	}
}

func TestExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := ExpiresAt(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = ExpiresAt("opaque")
	assert.False(t, ok)
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CredentialsConfig
		want    Provider
		wantErr bool
	}{
		{name: "none", cfg: config.CredentialsConfig{Source: config.CredentialsNone}, want: Static("")},
		{name: "static", cfg: config.CredentialsConfig{Source: config.CredentialsStatic, Token: "t"}, want: Static("t")},
		{name: "file", cfg: config.CredentialsConfig{Source: config.CredentialsFile, File: "/tmp/tok"}, want: File{Path: "/tmp/tok"}},
		{name: "env", cfg: config.CredentialsConfig{Source: config.CredentialsEnv, EnvVar: "X"}, want: Env{Var: "X"}},
		{
			name: "env with expiry check",
			cfg:  config.CredentialsConfig{Source: config.CredentialsEnv, EnvVar: "X", CheckExpiry: true},
			want: Expiring{Provider: Env{Var: "X"}},
		},
		{name: "unknown", cfg: config.CredentialsConfig{Source: "vault"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}
