package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func pkcs1PEM(t *testing.T) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey(t))})
}

func pkcs8PEM(t *testing.T) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey(t))
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newTestApp(t *testing.T, apiURL string) *App {
	t.Helper()
	app, err := NewFromKey("123456", pkcs1PEM(t), "99", Options{APIURL: apiURL + "/"})
	require.NoError(t, err)
	return app
}

func TestNew_KeyHandling(t *testing.T) {
	dir := t.TempDir()

	_, err := New("1", filepath.Join(dir, "missing.pem"), "2", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.pem")

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0600))
	_, err = New("1", bad, "2", Options{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	for name, data := range map[string][]byte{"pkcs1.pem": pkcs1PEM(t), "pkcs8.pem": pkcs8PEM(t)} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0600))
		app, err := New("1", p, "2", Options{})
		require.NoError(t, err, name)
		assert.Equal(t, DefaultAPIURL, app.APIURL)
	}

	_, err = NewFromKey("", pkcs1PEM(t), "2", Options{})
	assert.Error(t, err)
	_, err = NewFromKey("1", pkcs1PEM(t), " ", Options{})
	assert.Error(t, err)
}

func TestGenerateJWT(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	app, err := NewFromKey("123456", pkcs8PEM(t), "99", Options{Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	signed, err := app.GenerateJWT()
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return &rsaKey(t).PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)

	assert.Equal(t, "123456", claims["iss"])
	assert.EqualValues(t, fixed.Unix(), claims["iat"])
	assert.EqualValues(t, fixed.Unix()+600, claims["exp"])
}

func TestInstallationToken(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/installations/99/access_tokens", r.URL.Path)
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, APIVersion, r.Header.Get("X-GitHub-Api-Version"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		gotBody, _ = io.ReadAll(r.Body)

		resp := map[string]any{
			"token":       "ghs_abc",
			"expires_at":  expires.Format(time.RFC3339),
			"permissions": map[string]string{"issues": "write"},
		}
		if len(gotBody) > 0 {
			resp["repositories"] = []map[string]string{{"name": "my-godot-game"}}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	app := newTestApp(t, srv.URL)
	assert.Equal(t, srv.URL, app.APIURL)

	tok, err := app.InstallationToken(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, gotBody)
	assert.Equal(t, "ghs_abc", tok.Token)
	assert.True(t, expires.Equal(tok.ExpiresAt))
	assert.Equal(t, map[string]string{"issues": "write"}, tok.Permissions)
	assert.Nil(t, tok.Repositories)

	tok, err = app.InstallationToken(context.Background(), []string{"my-godot-game"}, map[string]string{"contents": "read"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"repositories":["my-godot-game"],"permissions":{"contents":"read"}}`, string(gotBody))
	assert.Equal(t, []string{"my-godot-game"}, tok.Repositories)
}

func TestInstallationToken_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer srv.Close()

	_, err := newTestApp(t, srv.URL).InstallationToken(context.Background(), nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Bad credentials", apiErr.Message)
	assert.Contains(t, err.Error(), "Bad credentials")
}

func TestValidateCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"id":7,"slug":"sapphire-bee","name":"Sapphire Bee","owner":{"login":"octo"}}`))
	}))
	defer srv.Close()

	info, err := newTestApp(t, srv.URL).ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.ID)
	assert.Equal(t, "sapphire-bee", info.Slug)
	assert.Equal(t, "octo", info.Owner.Login)
}

func TestExpiryHelpers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3600, expirySeconds(now.Add(time.Hour), now))
	assert.Equal(t, -60, expirySeconds(now.Add(-time.Minute), now))

	assert.False(t, shouldRefresh(now.Add(50*time.Minute), 0, now))
	assert.True(t, shouldRefresh(now.Add(5*time.Minute), 0, now))
	assert.True(t, shouldRefresh(now.Add(50*time.Minute), time.Hour, now))
	assert.True(t, ShouldRefresh(time.Now().Add(-time.Second), 0))
	assert.Greater(t, ExpirySeconds(time.Now().Add(time.Hour)), 3500)

	ts, err := ParseExpiry("2026-01-01T13:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 3600, expirySeconds(ts, now))
	_, err = ParseExpiry("tomorrow")
	assert.Error(t, err)
}

type countingMinter struct {
	calls   atomic.Int32
	expires time.Time
	delay   time.Duration
}

func (m *countingMinter) InstallationToken(ctx context.Context, repos []string, perms map[string]string) (*Token, error) {
	n := m.calls.Add(1)
	time.Sleep(m.delay)
	return &Token{Token: "tok-" + string(rune('0'+n)), ExpiresAt: m.expires}, nil
}

func TestTokenSource_CachesAndSharesRefresh(t *testing.T) {
	m := &countingMinter{expires: time.Now().Add(time.Hour), delay: 50 * time.Millisecond}
	src := NewTokenSource(m, nil, nil)
	assert.Nil(t, src.Current())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := src.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), m.calls.Load())

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), m.calls.Load())

	src.now = func() time.Time { return time.Now().Add(55 * time.Minute) }
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("ghp_x").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ghp_x", tok)
}
