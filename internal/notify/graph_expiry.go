package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const (
	// expiryWarningDays is the number of days before expiration to show a warning.
	expiryWarningDays = 30
	// expiryCacheTTL is how long to cache the expiry info before re-checking.
	expiryCacheTTL = 1 * time.Hour
	// expiryWatchInterval is how often Watch re-checks the secret.
	expiryWatchInterval = 24 * time.Hour
)

// SecretExpiryChecker reports when the Graph client secret expires, caching
// the answer for an hour. An expired secret silently breaks alert mail, so
// Watch warns ahead of time.
type SecretExpiryChecker struct {
	mu         sync.RWMutex
	cfg        types.GraphConfig
	cached     types.SecretExpiryInfo
	lastCheck  time.Time
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewSecretExpiryChecker creates a new expiry checker for the given config.
func NewSecretExpiryChecker(cfg types.GraphConfig) *SecretExpiryChecker {
	return &SecretExpiryChecker{
		cfg:        cfg,
		baseURL:    graphBaseURL,
		httpClient: &http.Client{Timeout: httpTimeout},
		now:        time.Now,
	}
}

// Info returns the secret expiry information.
func (c *SecretExpiryChecker) Info(ctx context.Context) types.SecretExpiryInfo {
	c.mu.RLock()
	if !c.lastCheck.IsZero() && c.now().Sub(c.lastCheck) < expiryCacheTTL {
		info := c.cached
		c.mu.RUnlock()
		return info
	}
	c.mu.RUnlock()

	info, err := c.fetchExpiryInfo(ctx)
	if err != nil {
		info = types.SecretExpiryInfo{Error: err.Error()}
	}

	c.mu.Lock()
	c.cached = info
	c.lastCheck = c.now()
	c.mu.Unlock()
	return info
}

// Watch checks the secret once and then daily until ctx is done, calling
// warn whenever it is close to expiry or the check fails.
func (c *SecretExpiryChecker) Watch(ctx context.Context, warn func(types.SecretExpiryInfo)) {
	check := func() {
		if info := c.Info(ctx); info.ExpiresSoon || info.Error != "" {
			warn(info)
		}
	}
	check()

	ticker := time.NewTicker(expiryWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// applicationResponse represents the Graph API response for an application.
type applicationResponse struct {
	PasswordCredentials []passwordCredential `json:"passwordCredentials"`
}

type passwordCredential struct {
	EndDateTime string `json:"endDateTime"`
}

// fetchExpiryInfo queries the application registration for credential expiry.
func (c *SecretExpiryChecker) fetchExpiryInfo(ctx context.Context) (types.SecretExpiryInfo, error) {
	if validateCredentials(&c.cfg, false) != nil {
		return types.SecretExpiryInfo{Error: "Graph API not configured"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	ts, err := TokenSource(ctx, &c.cfg)
	if err != nil {
		return types.SecretExpiryInfo{}, fmt.Errorf("create token source: %w", err)
	}
	token, err := ts.Token()
	if err != nil {
		return types.SecretExpiryInfo{}, fmt.Errorf("acquire token: %w", err)
	}

	apiURL := fmt.Sprintf("%s/applications(appId='%s')", c.baseURL, url.PathEscape(c.cfg.ClientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return types.SecretExpiryInfo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.SecretExpiryInfo{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return types.SecretExpiryInfo{}, fmt.Errorf("API returned %d: %s", resp.StatusCode, string(body))
	}

	var appResp applicationResponse
	if err := json.Unmarshal(body, &appResp); err != nil {
		return types.SecretExpiryInfo{}, fmt.Errorf("parse response: %w", err)
	}
	return expiryFromCredentials(appResp.PasswordCredentials, c.now()), nil
}

// expiryFromCredentials finds the earliest expiring credential.
func expiryFromCredentials(creds []passwordCredential, now time.Time) types.SecretExpiryInfo {
	var earliest time.Time
	for _, cred := range creds {
		if cred.EndDateTime == "" {
			continue
		}
		expiry, err := time.Parse(time.RFC3339, cred.EndDateTime)
		if err != nil {
			continue
		}
		if earliest.IsZero() || expiry.Before(earliest) {
			earliest = expiry
		}
	}

	if earliest.IsZero() {
		return types.SecretExpiryInfo{Error: "no password credentials found"}
	}

	daysLeft := max(int(earliest.Sub(now).Hours()/24), 0)
	return types.SecretExpiryInfo{
		ExpiresAt:   earliest.Format(time.RFC3339),
		ExpiresSoon: daysLeft <= expiryWarningDays,
		DaysLeft:    daysLeft,
	}
}
