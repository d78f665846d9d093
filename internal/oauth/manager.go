package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Manager runs the authorization-code-with-PKCE dance for every upstream
// server that challenges the hub with a 401. It never opens a browser: it
// stops at handing the caller an authorizationUrl, and later accepts the
// redirect's code back through Complete.
type Manager struct {
	store       *TokenStore
	redirectURI string
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingAuthorization // keyed by state
}

// NewManager builds a Manager. redirectURI is the hub's own callback route,
// e.g. "http://127.0.0.1:8080/oauth/callback".
func NewManager(store *TokenStore, redirectURI string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		redirectURI: redirectURI,
		logger:      logger,
		pending:     make(map[string]*PendingAuthorization),
	}
}

// GeneratePKCE creates a fresh code verifier/challenge pair.
func GeneratePKCE() (PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return PKCE{}, fmt.Errorf("generating PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return PKCE{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// GenerateState creates a random CSRF state token.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StartAuthorization builds the authorization URL for serverName given the
// parsed 401 challenge and the discovered authorization/token endpoints. The
// caller is responsible for endpoint discovery (e.g.
// via the issuer's /.well-known/oauth-authorization-server document); this
// package only runs the code+PKCE exchange itself.
func (m *Manager) StartAuthorization(serverName, authEndpoint, tokenEndpoint, clientID string, challenge *Challenge) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	scope := ""
	if challenge != nil {
		scope = challenge.Scope
	}

	pending := &PendingAuthorization{
		ServerName:    serverName,
		State:         state,
		PKCE:          pkce,
		AuthEndpoint:  authEndpoint,
		TokenEndpoint: tokenEndpoint,
		RedirectURI:   m.redirectURI,
		Scope:         scope,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.pending[state] = pending
	m.mu.Unlock()

	cfg := m.oauth2Config(clientID, pending)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.CodeChallengeMethod),
	}

	return cfg.AuthCodeURL(state, opts...), nil
}

// Complete exchanges an authorization code (delivered via /oauth/callback or
// /oauth/manual_callback) for a token and persists it for the pending
// authorization's server.
func (m *Manager) Complete(ctx context.Context, state, code, clientID string) (string, error) {
	m.mu.Lock()
	pending, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no pending authorization for state %q", state)
	}

	cfg := m.oauth2Config(clientID, pending)
	token, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pending.PKCE.CodeVerifier))
	if err != nil {
		return "", fmt.Errorf("exchanging authorization code for %s: %w", pending.ServerName, err)
	}

	rec := &TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Scope:        pending.Scope,
		CreatedAt:    time.Now(),
	}
	if err := m.store.Store(pending.ServerName, rec); err != nil {
		return "", err
	}

	m.logger.Info("oauth authorization completed", zap.String("server", pending.ServerName))
	return pending.ServerName, nil
}

// Token returns serverName's current access token, refreshing it first if
// it is expired and a refresh token is on file.
func (m *Manager) Token(ctx context.Context, serverName, tokenEndpoint, clientID string) (string, error) {
	rec, err := m.store.Get(serverName)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("no oauth token stored for %q", serverName)
	}
	if rec.Valid() {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" {
		return "", fmt.Errorf("oauth token for %q expired and has no refresh token", serverName)
	}

	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenEndpoint},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing oauth token for %q: %w", serverName, err)
	}

	newRec := &TokenRecord{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		TokenType:    refreshed.TokenType,
		Expiry:       refreshed.Expiry,
		Issuer:       rec.Issuer,
		Scope:        rec.Scope,
		CreatedAt:    time.Now(),
	}
	if newRec.RefreshToken == "" {
		newRec.RefreshToken = rec.RefreshToken
	}
	if err := m.store.Store(serverName, newRec); err != nil {
		return "", err
	}

	return newRec.AccessToken, nil
}

func (m *Manager) oauth2Config(clientID string, pending *PendingAuthorization) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: pending.RedirectURI,
		Scopes:      splitScope(pending.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  pending.AuthEndpoint,
			TokenURL: pending.TokenEndpoint,
		},
	}
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
