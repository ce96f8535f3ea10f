// Package githubapp is FlakeGuard's Credential Broker (C1): it mints and
// caches installation tokens, verifies webhook signatures, and exposes
// the go-github clients the rest of the module uses to reach the
// GitHub REST API. It keeps the teacher's ghinstallation-backed client
// construction and adds the cache/singleflight/JWT-inspection layer
// spec.md §4.1 calls for.
package githubapp

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
)

// App holds the app's static identity: its id, slug, webhook secret and
// private key. The application-level installation-token cache lives in
// Broker; App's own clients rely on ghinstallation's transports, which
// mint and cache tokens internally.
type App struct {
	AppID         int64
	Slug          string
	Secret        string
	PrivateKeyPEM []byte
	BaseURL       string

	parsedKey *rsa.PrivateKey
}

func New(appID int64, slug, webhookSecret, privateKeyPEM, baseURL string) (*App, error) {
	keyBytes := []byte(privateKeyPEM)
	if len(bytesTrimSpace(keyBytes)) == 0 {
		return nil, fmt.Errorf("empty private key PEM")
	}
	parsedKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &App{
		AppID:         appID,
		Slug:          slug,
		Secret:        webhookSecret,
		PrivateKeyPEM: keyBytes,
		BaseURL:       strings.TrimRight(baseURL, "/"),
		parsedKey:     parsedKey,
	}, nil
}

// AppClient returns a client authenticated as the app itself (JWT auth),
// used for installation-token minting and app-level endpoints.
func (a *App) AppClient() (*github.Client, error) {
	tr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, a.AppID, a.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return github.NewClient(&http.Client{Transport: tr}), nil
}

// InstallationClient returns a client authenticated as a specific
// installation, via ghinstallation's own token cache. The Broker
// additionally caches tokens at the application layer (spec.md §4.1);
// the two caches coexist without conflict since they're keyed and
// consulted independently.
func (a *App) InstallationClient(installationID int64) (*github.Client, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, a.AppID, installationID, a.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return github.NewClient(&http.Client{Transport: tr}), nil
}

func (a *App) InstallURL() string {
	return fmt.Sprintf("https://github.com/apps/%s/installations/new", a.Slug)
}

func bytesTrimSpace(b []byte) []byte {
	i := 0
	j := len(b)
	for i < j && (b[i] == ' ' || b[i] == '\n' || b[i] == '\r' || b[i] == '\t') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\n' || b[j-1] == '\r' || b[j-1] == '\t') {
		j--
	}
	return b[i:j]
}
