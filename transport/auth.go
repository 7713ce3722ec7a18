package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	telemetry "github.com/eniris/telemetry-go"
)

const (
	refreshTokenMaxAge    = 13 * 24 * time.Hour
	refreshTokenRotateAge = 7 * 24 * time.Hour
	refreshTokenLogoutAge = 14 * 24 * time.Hour
	accessTokenMaxAge     = 2 * time.Minute
)

// AuthOptions configures an Auth driver.
type AuthOptions struct {
	Username string
	Password string
	// AuthURL is the base URL for /auth/login, /auth/refreshtoken,
	// /auth/accesstoken, /auth/logout.
	AuthURL string
	// APIURL is prefixed onto any Get/Post/Put/Delete path that is not
	// already absolute.
	APIURL     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds how many times Get/Post/Put/Delete retries after
	// a network-level (non-HTTP-status) failure.
	MaxRetries int
	Logger     *slog.Logger
	now        func() time.Time
}

func (o AuthOptions) withDefaults() AuthOptions {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Auth is the two-tier token cache: a long-lived refresh token and
// a short-lived access token, each under its own lock so access-token
// refresh never contends with the (much rarer) refresh-token login or
// rotation. Grounded on original_source/eniris/ApiDriver.py's ApiDriver,
// generalized with explicit locking (the Python source relies on there
// being a single caller thread) and a backoff-spaced retry loop for
// Get/Post/Put/Delete, replacing the Python source's unthrottled
// recursive retry.
type Auth struct {
	opts AuthOptions

	refreshMu    sync.Mutex
	refreshToken string
	refreshAt    time.Time
	hasRefresh   bool

	accessMu    sync.Mutex
	accessToken string
	accessAt    time.Time
	hasAccess   bool
}

// NewAuth builds an Auth driver.
func NewAuth(opts AuthOptions) *Auth {
	return &Auth{opts: opts.withDefaults()}
}

// RefreshTokenBearer ensures the refresh token is fresh (logging in or
// rotating as needed) and returns it as a "Bearer <token>" header value.
func (a *Auth) RefreshTokenBearer() (string, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	if err := a.ensureRefreshTokenLocked(); err != nil {
		return "", err
	}
	return "Bearer " + a.refreshToken, nil
}

func (a *Auth) ensureRefreshTokenLocked() error {
	now := a.opts.now()
	switch {
	case !a.hasRefresh || now.Sub(a.refreshAt) > refreshTokenMaxAge:
		token, err := a.login()
		if err != nil {
			return err
		}
		a.refreshToken, a.refreshAt, a.hasRefresh = token, now, true
	case now.Sub(a.refreshAt) > refreshTokenRotateAge:
		token, err := a.rotateRefreshToken()
		if err != nil {
			a.opts.Logger.Warn("unable to renew refresh token", "error", err)
		} else {
			a.refreshToken, a.refreshAt = token, now
		}
	}
	return nil
}

func (a *Auth) login() (string, error) {
	body, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{a.opts.Username, a.opts.Password})
	if err != nil {
		return "", err
	}
	resp, err := a.postForm(a.opts.AuthURL+"/auth/login", "application/json", bytes.NewReader(body), "")
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", telemetry.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login failed: %s", telemetry.ErrAuthenticationFailed, string(text))
	}
	return string(text), nil
}

func (a *Auth) rotateRefreshToken() (string, error) {
	resp, err := a.getWithAuth(a.opts.AuthURL+"/auth/refreshtoken", "Bearer "+a.refreshToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(text))
	}
	return string(text), nil
}

// AccessTokenBearer ensures the access token is fresh, refreshing the
// refresh token first if necessary, and returns it as a "Bearer <token>"
// header value.
func (a *Auth) AccessTokenBearer() (string, error) {
	refreshBearer, err := a.RefreshTokenBearer()
	if err != nil {
		return "", err
	}

	a.accessMu.Lock()
	defer a.accessMu.Unlock()
	now := a.opts.now()
	if !a.hasAccess || now.Sub(a.accessAt) > accessTokenMaxAge {
		resp, err := a.getWithAuth(a.opts.AuthURL+"/auth/accesstoken", refreshBearer)
		if err != nil {
			return "", fmt.Errorf("%w: accesstoken: %v", telemetry.ErrAuthenticationFailed, err)
		}
		defer resp.Body.Close()
		text, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%w: accesstoken failed: %s", telemetry.ErrAuthenticationFailed, string(text))
		}
		a.accessToken, a.accessAt, a.hasAccess = string(text), now, true
	}
	return "Bearer " + a.accessToken, nil
}

// Close logs out: a no-op if the refresh token is already older
// than 14 days (there is nothing left to invalidate); 204 or 401 from
// /auth/logout both count as success.
func (a *Auth) Close() error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	if !a.hasRefresh || a.opts.now().Sub(a.refreshAt) > refreshTokenLogoutAge {
		return nil
	}
	resp, err := a.postForm(a.opts.AuthURL+"/auth/logout", "", nil, "Bearer "+a.refreshToken)
	if err != nil {
		return fmt.Errorf("%w: logout: %v", telemetry.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusUnauthorized {
		a.hasRefresh = false
		a.accessMu.Lock()
		a.hasAccess = false
		a.accessMu.Unlock()
		return nil
	}
	text, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: logout failed: %s", telemetry.ErrAuthenticationFailed, string(text))
}

// Get issues an authenticated GET against path (resolved against APIURL
// unless path is already absolute), retrying network-level failures with
// exponential backoff up to MaxRetries.
func (a *Auth) Get(path string, params url.Values) (*http.Response, error) {
	return a.doWithRetry(http.MethodGet, path, params, "", nil)
}

// Post issues an authenticated POST.
func (a *Auth) Post(path string, contentType string, body io.Reader, params url.Values) (*http.Response, error) {
	return a.doWithRetry(http.MethodPost, path, params, contentType, body)
}

// Put issues an authenticated PUT.
func (a *Auth) Put(path string, contentType string, body io.Reader, params url.Values) (*http.Response, error) {
	return a.doWithRetry(http.MethodPut, path, params, contentType, body)
}

// Delete issues an authenticated DELETE.
func (a *Auth) Delete(path string, params url.Values) (*http.Response, error) {
	return a.doWithRetry(http.MethodDelete, path, params, "", nil)
}

func (a *Auth) resolvePath(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return a.opts.APIURL + path
}

func (a *Auth) doWithRetry(method, path string, params url.Values, contentType string, body io.Reader) (*http.Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}

	bo := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		bearer, err := a.AccessTokenBearer()
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequest(method, a.resolvePath(path), reqBody)
		if err != nil {
			return nil, err
		}
		if params != nil {
			req.URL.RawQuery = params.Encode()
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", bearer)

		resp, err := a.opts.HTTPClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		a.opts.Logger.Debug("retrying auth-driver call after error", "method", method, "attempt", attempt, "error", err)
		time.Sleep(bo.Duration())
	}
	return nil, fmt.Errorf("auth driver: %s %s failed after %d attempts: %w", method, path, a.opts.MaxRetries+1, lastErr)
}

func (a *Auth) postForm(rawURL, contentType string, body io.Reader, bearer string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	client := a.opts.HTTPClient
	return client.Do(req)
}

func (a *Auth) getWithAuth(rawURL, bearer string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", bearer)
	return a.opts.HTTPClient.Do(req)
}
