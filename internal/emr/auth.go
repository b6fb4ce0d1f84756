package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialsProvider supplies EMR authentication material. Implementations
// may rotate secrets between calls.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (clientID, clientSecret string, err error)
}

// StaticCredentials is a CredentialsProvider returning fixed values.
type StaticCredentials struct {
	ClientID     string
	ClientSecret string
}

func (s StaticCredentials) Credentials(context.Context) (string, string, error) {
	return s.ClientID, s.ClientSecret, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenExpiry determines when the token stops being usable. When the token is
// a JWT its exp claim wins; otherwise the endpoint's expires_in is used, with
// a fallback of one hour. A safety margin is subtracted so refresh happens
// before the remote side rejects the token.
func tokenExpiry(token string, expiresIn int, now time.Time) time.Time {
	const margin = 30 * time.Second

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-margin)
		}
	}

	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second).Add(-margin)
	}
	return now.Add(time.Hour).Add(-margin)
}

// authenticate obtains a fresh bearer token from the EMR token endpoint.
// Callers must hold c.tokenMu.
func (c *Client) authenticate(ctx context.Context) error {
	clientID, clientSecret, err := c.creds.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("load EMR credentials: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	if c.facilityID != "" {
		form.Set("facility_id", c.facilityID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAuthFailure()
		return fmt.Errorf("%w: token request: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordAuthFailure()
		return fmt.Errorf("%w: token endpoint returned %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		c.metrics.RecordAuthFailure()
		return fmt.Errorf("%w: decode token response: %v", ErrRemoteUnavailable, err)
	}
	if tr.AccessToken == "" {
		c.metrics.RecordAuthFailure()
		return fmt.Errorf("%w: token endpoint returned empty token", ErrRemoteUnavailable)
	}

	c.token = tr.AccessToken
	c.tokenExp = tokenExpiry(tr.AccessToken, tr.ExpiresIn, time.Now())
	c.tokenGen++
	c.metrics.RecordAuthSuccess()
	c.logger.Debug().Time("expires_at", c.tokenExp).Msg("EMR token refreshed")
	return nil
}

// bearerToken returns a usable token, refreshing when missing or expired.
// Refresh is serialized behind tokenMu so concurrent callers never trigger
// redundant re-authentication; each caller also receives the token
// generation so a later forced refresh can detect that another goroutine
// already replaced the token.
func (c *Client) bearerToken(ctx context.Context) (string, uint64, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token == "" || time.Now().After(c.tokenExp) {
		if err := c.authenticate(ctx); err != nil {
			return "", c.tokenGen, err
		}
	}
	return c.token, c.tokenGen, nil
}

// refreshToken forces a re-authentication unless another caller already
// refreshed past the generation this caller used.
func (c *Client) refreshToken(ctx context.Context, usedGen uint64) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.tokenGen == usedGen {
		if err := c.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}
