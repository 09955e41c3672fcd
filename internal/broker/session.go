package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionState describes the credential lifecycle.
type SessionState string

const (
	// SessionValid means the access credential is usable as-is.
	SessionValid SessionState = "valid"
	// SessionExpiring means the access credential is at or past expiry.
	SessionExpiring SessionState = "expiring"
	// SessionRefreshing means a refresh exchange is in flight.
	SessionRefreshing SessionState = "refreshing"
)

// expirySkew refreshes slightly early so a credential handed to a caller
// does not expire mid-request.
const expirySkew = 30 * time.Second

// tokenResponse is the OAuth token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Session owns the OAuth credential pair for one brokerage account.
//
// Token never returns an expired credential, and at most one refresh
// exchange is in flight at a time: concurrent callers block on the same
// refresh rather than racing a second exchange against an already-rotated
// refresh token.
type Session struct {
	mu           sync.Mutex
	client       *http.Client
	logger       *logrus.Logger
	tokenURL     string
	clientID     string
	clientSecret string
	userAgent    string
	accountID    string

	accessToken  string
	refreshToken string
	expiresAt    time.Time
	refreshing   bool

	// now is injectable for tests.
	now func() time.Time
}

// SessionConfig carries the credentials and endpoints for one account.
type SessionConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountID    string
	UserAgent    string
	Timeout      time.Duration
}

// NewSession creates a session manager. The access credential starts empty
// and is acquired by the first Token call.
func NewSession(cfg SessionConfig, logger *logrus.Logger) (*Session, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("session: token URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("session: client credentials are required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("session: refresh token is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("session: user agent is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		accountID:    cfg.AccountID,
		userAgent:    cfg.UserAgent,
		now:          time.Now,
	}, nil
}

// AccountID returns the linked brokerage account identifier.
func (s *Session) AccountID() string {
	return s.accountID
}

// State reports the current credential state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshing {
		return SessionRefreshing
	}
	if s.accessToken != "" && s.now().Before(s.expiresAt.Add(-expirySkew)) {
		return SessionValid
	}
	return SessionExpiring
}

// Token returns a non-expired access credential, refreshing if necessary.
// The refresh path holds the session mutex; reads of a still-valid
// credential do not contend beyond the map-check critical section.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiresAt.Add(-expirySkew)) {
		return s.accessToken, nil
	}
	return s.refreshLocked(ctx)
}

// Invalidate discards the access credential so the next Token call performs
// a refresh. Called when the broker returns an unauthorized response for a
// credential we believed valid. The refresh credential is kept.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.expiresAt = time.Time{}
}

// refreshLocked performs the refresh exchange. Caller holds s.mu, so only
// one refresh can be in flight. A transient network failure is retried once
// immediately; invalid_grant is terminal and never retried.
func (s *Session) refreshLocked(ctx context.Context) (string, error) {
	s.refreshing = true
	defer func() { s.refreshing = false }()

	tok, err := s.exchange(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.refreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	})
	if err != nil && IsTransient(err) {
		s.logger.WithError(err).Warn("token refresh failed transiently, retrying once")
		tok, err = s.exchange(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {s.refreshToken},
			"client_id":     {s.clientID},
			"client_secret": {s.clientSecret},
		})
	}
	if err != nil {
		return "", err
	}

	s.accessToken = tok.AccessToken
	// The refresh credential is replaced only when the broker rotates it;
	// it is never discarded on failure.
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	s.logger.WithField("expires_at", s.expiresAt.Format(time.RFC3339)).
		Info("broker access credential refreshed")
	return s.accessToken, nil
}

// ExchangeAuthorizationCode links a new account: trades an authorization
// code for the initial credential pair.
func (s *Session) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.exchange(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	})
	if err != nil {
		return err
	}
	s.accessToken = tok.AccessToken
	s.refreshToken = tok.RefreshToken
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return nil
}

func (s *Session) exchange(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.WithError(cerr).Debug("failed to close token response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	var tok tokenResponse
	if jerr := json.Unmarshal(body, &tok); jerr != nil {
		return nil, fmt.Errorf("%w: token endpoint returned %s: %s",
			ErrTransportShape, resp.Header.Get("Content-Type"), truncate(string(body), 200))
	}

	if resp.StatusCode != http.StatusOK {
		if tok.Error == "invalid_grant" {
			s.logger.WithField("detail", tok.ErrorDesc).
				Error("refresh credential rejected, halting execution for this account")
			return nil, ErrReconnectRequired
		}
		return nil, &APIError{Status: resp.StatusCode, Code: tok.Error, Body: tok.ErrorDesc}
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrTransportShape)
	}
	return &tok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
