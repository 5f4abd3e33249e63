// Package frontier implements the Frontier authentication token exchange
// used to keep Companion API credential links alive.
package frontier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/faults"
)

const (
	// DefaultTokenURL is Frontier's OAuth token endpoint.
	DefaultTokenURL = "https://auth.frontierstore.net/token"

	requestTimeout = 15 * time.Second
)

// tokenResponse is the OAuth token grant payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Client exchanges refresh tokens at the Frontier auth service. It
// implements capi.Refresher.
type Client struct {
	tokenURL string
	cfg      config.Capi
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger
}

// NewClient creates a token exchange client. Pass DefaultTokenURL outside of
// tests.
func NewClient(tokenURL string, cfg config.Capi, log zerolog.Logger) *Client {
	return &Client{
		tokenURL: tokenURL,
		cfg:      cfg,
		client:   &http.Client{Timeout: requestTimeout},
		now:      time.Now,
		log:      log.With().Str("client", "frontier").Logger(),
	}
}

// Refresh exchanges the link's refresh token for a new token pair.
//
// A rejected grant (revoked or consumed refresh token) is permanent: the
// commander has to authorize again. Network failures and auth service
// outages are transient.
func (c *Client) Refresh(ctx context.Context, link *capi.Link) (*capi.Tokens, error) {
	if link.RefreshToken == "" {
		return nil, faults.Permanent(faults.Newf("link %d has no refresh token", link.CustomerID))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {link.RefreshToken},
	}
	if link.AuthType == capi.AuthEpic {
		form.Set("token_type", "epic")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.Wrap(err, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Transient(faults.Wrap(err, "failed to reach Frontier auth"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, faults.Transient(faults.Wrap(err, "failed to read token response"))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// decoded below
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, faults.Transient(faults.Newf("Frontier auth unavailable: status %d", resp.StatusCode))
	default:
		var te tokenError
		_ = json.Unmarshal(body, &te)
		c.log.Warn().
			Int64("customer_id", link.CustomerID).
			Str("error", te.Error).
			Str("description", te.Description).
			Msg("Token grant rejected")
		return nil, faults.Permanent(faults.Newf("token grant rejected: status %d: %s", resp.StatusCode, te.Error))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, faults.Transient(faults.Wrap(err, "failed to decode token response"))
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, faults.Permanent(faults.New("token response missing tokens"))
	}

	c.log.Debug().
		Int64("customer_id", link.CustomerID).
		Int("expires_in", tr.ExpiresIn).
		Msg("Token pair refreshed")

	return &capi.Tokens{
		RefreshToken: tr.RefreshToken,
		AccessToken:  tr.AccessToken,
		Expiry:       c.now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
