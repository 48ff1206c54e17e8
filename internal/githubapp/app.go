// Package githubapp mints GitHub App installation tokens for the agent's GitHub access.
//
// Authentication is two-step: a JWT signed with the App's private key
// authenticates as the App, and is exchanged for an installation token that
// is valid for one hour.
package githubapp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAPIURL = "https://api.github.com"
	APIVersion    = "2022-11-28"

	// JWTLifetime is the longest lifetime GitHub accepts for App JWTs.
	JWTLifetime = 600 * time.Second

	// DefaultRefreshBuffer refreshes installation tokens with ten minutes left.
	DefaultRefreshBuffer = 600 * time.Second

	requestTimeout = 30 * time.Second
)

// ErrInvalidKey is returned when the private key is not a PEM RSA key.
var ErrInvalidKey = errors.New("invalid GitHub App private key: expected a PEM-encoded RSA private key")

// APIError is a non-success response from the GitHub API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("github api: HTTP %d: %s", e.Status, e.Message)
}

// Options tunes App. Zero values use GitHub.com and a 30s HTTP client.
type Options struct {
	APIURL     string
	HTTPClient *http.Client
	Now        func() time.Time
}

// App holds the credentials of one GitHub App installation.
type App struct {
	AppID          string
	InstallationID string
	APIURL         string

	key  *rsa.PrivateKey
	http *http.Client
	now  func() time.Time
}

// New loads the private key from keyPath.
func New(appID, keyPath, installationID string, opts Options) (*App, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key not found: %s (download it from the GitHub App settings page)", keyPath)
		}
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}
	app, err := NewFromKey(appID, data, installationID, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keyPath, err)
	}
	return app, nil
}

// NewFromKey accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") PEM data.
func NewFromKey(appID string, keyPEM []byte, installationID string, opts Options) (*App, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("GitHub App ID is required")
	}
	if strings.TrimSpace(installationID) == "" {
		return nil, fmt.Errorf("GitHub App installation ID is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, ErrInvalidKey
	}

	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &App{
		AppID:          strings.TrimSpace(appID),
		InstallationID: strings.TrimSpace(installationID),
		APIURL:         strings.TrimRight(apiURL, "/"),
		key:            key,
		http:           client,
		now:            now,
	}, nil
}

// GenerateJWT signs an App JWT: iat=now, exp=now+10m, iss=App ID.
func (a *App) GenerateJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(JWTLifetime)),
		Issuer:    a.AppID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// Token is an installation access token. Repositories is nil unless the token
// was scoped to specific repositories.
type Token struct {
	Token        string            `json:"token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Permissions  map[string]string `json:"permissions"`
	Repositories []string          `json:"repositories"`
}

type tokenRequest struct {
	Repositories []string          `json:"repositories,omitempty"`
	Permissions  map[string]string `json:"permissions,omitempty"`
}

type tokenResponse struct {
	Token        string            `json:"token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Permissions  map[string]string `json:"permissions"`
	Repositories *[]struct {
		Name string `json:"name"`
	} `json:"repositories"`
}

// InstallationToken exchanges an App JWT for an installation token, optionally
// scoped to repository names and permissions (e.g. {"issues": "write"}).
func (a *App) InstallationToken(ctx context.Context, repos []string, perms map[string]string) (*Token, error) {
	var body io.Reader
	if len(repos) > 0 || len(perms) > 0 {
		data, err := json.Marshal(tokenRequest{Repositories: repos, Permissions: perms})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	path := fmt.Sprintf("/app/installations/%s/access_tokens", a.InstallationID)
	var resp tokenResponse
	if err := a.do(ctx, http.MethodPost, path, body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("github api: response has no token")
	}

	tok := &Token{
		Token:       resp.Token,
		ExpiresAt:   resp.ExpiresAt,
		Permissions: resp.Permissions,
	}
	if tok.Permissions == nil {
		tok.Permissions = map[string]string{}
	}
	if resp.Repositories != nil {
		tok.Repositories = make([]string, 0, len(*resp.Repositories))
		for _, r := range *resp.Repositories {
			tok.Repositories = append(tok.Repositories, r.Name)
		}
	}
	return tok, nil
}

// AppInfo is the subset of GET /app used to confirm credentials.
type AppInfo struct {
	ID    int64  `json:"id"`
	Slug  string `json:"slug"`
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// ValidateCredentials fetches the App itself, which only succeeds with a valid JWT.
func (a *App) ValidateCredentials(ctx context.Context) (*AppInfo, error) {
	var info AppInfo
	if err := a.do(ctx, http.MethodGet, "/app", nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *App) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	signed, err := a.GenerateJWT()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, a.APIURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("X-GitHub-Api-Version", APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("github api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read github response: %w", err)
	}
	if resp.StatusCode != want {
		return newAPIError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &msg)
	return &APIError{Status: status, Message: msg.Message}
}

// ParseExpiry parses GitHub's ISO 8601 expires_at value.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	return t, nil
}

// ExpirySeconds is the whole seconds until expiresAt, negative once expired.
func ExpirySeconds(expiresAt time.Time) int {
	return expirySeconds(expiresAt, time.Now())
}

func expirySeconds(expiresAt, now time.Time) int {
	return int(expiresAt.Sub(now) / time.Second)
}

// ShouldRefresh reports whether fewer than buffer remain before expiresAt.
// A zero buffer uses DefaultRefreshBuffer.
func ShouldRefresh(expiresAt time.Time, buffer time.Duration) bool {
	return shouldRefresh(expiresAt, buffer, time.Now())
}

func shouldRefresh(expiresAt time.Time, buffer time.Duration, now time.Time) bool {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return expirySeconds(expiresAt, now) < int(buffer/time.Second)
}
