package graph

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/PieroV/mirror-to-onedrive/internal/tokenfile"
)

// Scopes requested at login. offline_access yields the refresh token the
// long-running service depends on; the Files scopes cover listing and
// writing the mirrored tree.
var Scopes = []string{
	"User.Read",
	"offline_access",
	"Files.Read",
	"Files.Read.All",
	"Files.ReadWrite",
	"Files.ReadWrite.All",
}

// ErrNotLoggedIn reports that no saved token exists yet.
var ErrNotLoggedIn = errors.New("graph: not logged in (run the login command first)")

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// OAuth2Config builds the authorization code flow configuration for the
// user's registered Azure application.
func OAuth2Config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
}

// AuthCodeURL returns the URL the user visits to authorize the
// application. The desktop redirect flow has no callback server to
// validate state against, but the endpoint requires the parameter, so a
// random one is sent.
func AuthCodeURL(cfg *oauth2.Config) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("graph: generating state token: %w", err)
	}

	return cfg.AuthCodeURL(state), nil
}

// Login exchanges an authorization code for tokens and saves them to
// tokenPath for later service runs.
func Login(ctx context.Context, cfg *oauth2.Config, code, tokenPath string, logger *slog.Logger) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("graph: code exchange failed: %w", err)
	}

	if err := tokenfile.Save(tokenPath, tok); err != nil {
		return fmt.Errorf("graph: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return nil
}

// TokenSourceFromFile loads the saved token at tokenPath and returns a
// TokenSource that silently refreshes through cfg and writes refreshed
// tokens back to disk, so restarts outlive the short access token
// lifetime. Returns ErrNotLoggedIn if no token file exists.
//
// ctx must outlive the TokenSource: refresh requests are bound to it.
func TokenSourceFromFile(ctx context.Context, cfg *oauth2.Config, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	logger.Debug("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return &fileTokenSource{
		src:    cfg.TokenSource(ctx, tok),
		path:   tokenPath,
		last:   tok,
		logger: logger,
	}, nil
}

// fileTokenSource adapts oauth2.TokenSource to TokenSource and persists
// every refreshed token. The oauth2 library refreshes silently inside
// Token(), so change detection happens by comparing against the last
// token seen.
type fileTokenSource struct {
	mu     sync.Mutex
	src    oauth2.TokenSource
	path   string
	last   *oauth2.Token
	logger *slog.Logger
}

func (s *fileTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("graph: obtaining token: %w", err)
	}

	if tokenChanged(s.last, tok) {
		s.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

		if err := tokenfile.Save(s.path, tok); err != nil {
			// Keep serving the in-memory token; the next refresh retries the write.
			s.logger.Warn("persisting refreshed token failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}

		s.last = tok
	}

	return tok.AccessToken, nil
}

func tokenChanged(a, b *oauth2.Token) bool {
	return a == nil ||
		a.AccessToken != b.AccessToken ||
		a.RefreshToken != b.RefreshToken ||
		!a.Expiry.Equal(b.Expiry)
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
