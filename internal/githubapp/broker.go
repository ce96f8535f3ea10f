package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/store"
)

// tokenSafetyMargin is subtracted from the upstream-reported expiry so
// a token is never handed out with less than this much life left.
const tokenSafetyMargin = 5 * time.Minute

// defaultCacheTTL caps how long a minted token is cached: 55 minutes,
// five short of the one-hour ceiling GitHub enforces on installation
// tokens. The cached expiry is the earlier of now+defaultCacheTTL and
// the upstream expiry minus tokenSafetyMargin.
const defaultCacheTTL = 55 * time.Minute

// InstallationToken is the broker's answer to installationToken(),
// spec.md §4.1.
type InstallationToken struct {
	Token         string
	ExpiresAt     time.Time
	Permissions   map[string]string
	RepoSelection store.RepoSelection
	Repositories  []string
}

// Broker is FlakeGuard's Credential Broker (C1). It mints installation
// tokens on miss, caches them process-wide with a singleflight guard so
// concurrent workers never mint the same token twice, and can assemble
// or inspect the app-level RS256 JWT assertion directly.
type Broker struct {
	app       *App
	appClient *github.Client
	cache     *lru.Cache[int64, InstallationToken]
	group     singleflight.Group
	now       func() time.Time
}

// NewBroker builds a Broker for app, with an LRU token cache sized for
// cacheSize installations (a reasonable default is 256; FlakeGuard
// rarely serves more concurrently-active installations than that).
func NewBroker(app *App, cacheSize int) (*Broker, error) {
	appClient, err := app.AppClient()
	if err != nil {
		return nil, fmt.Errorf("build app client: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[int64, InstallationToken](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Broker{app: app, appClient: appClient, cache: cache, now: time.Now}, nil
}

// InstallationToken returns a cached token for installationID, minting
// on miss. Concurrent callers missing the same key collapse onto one
// upstream mint via singleflight.
func (b *Broker) InstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	if tok, ok := b.cache.Get(installationID); ok && b.now().Before(tok.ExpiresAt) {
		return tok, nil
	}

	key := strconv.FormatInt(installationID, 10)
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		if tok, ok := b.cache.Get(installationID); ok && b.now().Before(tok.ExpiresAt) {
			return tok, nil
		}
		return b.mintInstallationToken(ctx, installationID)
	})
	if err != nil {
		return InstallationToken{}, err
	}
	return v.(InstallationToken), nil
}

func (b *Broker) mintInstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	ghTok, resp, err := b.appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return InstallationToken{}, apperrors.New(apperrors.InstallationNotFound, fmt.Sprintf("installation %d not found", installationID))
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return InstallationToken{}, apperrors.Wrap(apperrors.UpstreamError, "mint installation token", err).WithStatus(status)
	}

	expiresAt := b.now().Add(defaultCacheTTL)
	if ghTok.GetExpiresAt().Time.After(b.now()) {
		upstreamExpiry := ghTok.GetExpiresAt().Time.Add(-tokenSafetyMargin)
		if upstreamExpiry.Before(expiresAt) {
			expiresAt = upstreamExpiry
		}
	}

	// InstallationPermissions is a fixed struct of *string fields in
	// go-github rather than a map; we flatten only the handful FlakeGuard
	// actually checks (callers needing the rest use the client directly).
	perms := map[string]string{}
	if p := ghTok.GetPermissions(); p != nil {
		if v := p.GetChecks(); v != "" {
			perms["checks"] = v
		}
		if v := p.GetContents(); v != "" {
			perms["contents"] = v
		}
		if v := p.GetIssues(); v != "" {
			perms["issues"] = v
		}
		if v := p.GetPullRequests(); v != "" {
			perms["pull_requests"] = v
		}
		if v := p.GetActions(); v != "" {
			perms["actions"] = v
		}
	}

	var repos []string
	for _, r := range ghTok.Repositories {
		repos = append(repos, r.GetFullName())
	}

	out := InstallationToken{
		Token:         ghTok.GetToken(),
		ExpiresAt:     expiresAt,
		Permissions:   perms,
		RepoSelection: store.RepoSelection(ghTok.GetRepositorySelection()),
		Repositories:  repos,
	}
	b.cache.Add(installationID, out)
	return out, nil
}

// Invalidate drops any cached token for installationID, used when an
// upstream call reports the token was rejected mid-flight.
func (b *Broker) Invalidate(installationID int64) {
	b.cache.Remove(installationID)
}

// InstallationClient returns a go-github client authenticated with a
// freshly-minted-or-cached installation token.
func (b *Broker) InstallationClient(ctx context.Context, installationID int64) (*github.Client, error) {
	tok, err := b.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(nil).WithAuthToken(tok.Token)
	if b.app.BaseURL != "" {
		var uerr error
		client, uerr = client.WithEnterpriseURLs(b.app.BaseURL, b.app.BaseURL)
		if uerr != nil {
			return nil, fmt.Errorf("configure enterprise base url: %w", uerr)
		}
	}
	return client, nil
}

// appClaims mirrors the {iat, exp, iss} assertion spec.md §4.1 requires
// for the app-level JWT: iat backdated 60s to absorb clock skew, exp
// never more than 10 minutes out.
type appClaims struct {
	jwt.RegisteredClaims
}

// MintAppJWT assembles and signs the app-level RS256 assertion
// directly (independent of ghinstallation's internal transport), so
// the assertion's claims can be produced and inspected (InspectAppJWT)
// without making an upstream call.
func (b *Broker) MintAppJWT() (string, error) {
	now := b.now()
	claims := appClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			Issuer:    strconv.FormatInt(b.app.AppID, 10),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(b.app.parsedKey)
}

// InspectAppJWT parses a previously-minted assertion and returns its
// claims without verifying expiry against wall-clock time — intended
// for tests and diagnostics, not for authenticating incoming requests.
func (b *Broker) InspectAppJWT(tokenString string) (*appClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &appClaims{}, func(t *jwt.Token) (interface{}, error) {
		return &b.app.parsedKey.PublicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidToken, "parse app jwt", err)
	}
	claims, ok := parsed.Claims.(*appClaims)
	if !ok {
		return nil, apperrors.New(apperrors.InvalidToken, "unexpected claims type")
	}
	return claims, nil
}
