// Package api is a thin client for the remote user-management service.
// Every call is paced by the rate limiter and feeds quota headers back to
// it; 429 responses are retried with the limiter's backoff until it
// aborts. Outcomes are classified into the sentinel errors callers branch
// on; the wire format itself is deliberately minimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleops/usersweep/internal/engine/ratelimit"
)

// defaultTimeout bounds a single HTTP request.
const defaultTimeout = 30 * time.Second

// Common API errors.
var (
	ErrNotFound     = errors.New("user not found")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransient covers server-side and network failures that may
	// succeed on a later attempt. The engine records them without
	// retrying; resume does not re-attempt recorded items.
	ErrTransient = errors.New("transient API error")
)

// MultipleMatchesError is returned when an identifier resolves to more
// than one user and the caller must disambiguate.
type MultipleMatchesError struct {
	Identifier string
	Candidates []string
}

func (e *MultipleMatchesError) Error() string {
	return fmt.Sprintf("identifier %q matches %d users", e.Identifier, len(e.Candidates))
}

// User is the subset of the remote user record the operations consume.
type User struct {
	ID         string     `json:"user_id"`
	Email      string     `json:"email"`
	Connection string     `json:"connection,omitempty"`
	Blocked    bool       `json:"blocked"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	Identities []Identity `json:"identities,omitempty"`
}

// Identity is one linked identity on a user record.
type Identity struct {
	Provider string `json:"provider"`
	UserID   string `json:"user_id"`
	IsSocial bool   `json:"isSocial"`
}

// Client calls the user-management API on behalf of the batch engine.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// NewClient creates a Client for the given base URL and bearer token. All
// calls are paced through limiter.
func NewClient(baseURL, token string, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: limiter,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// do performs one paced request, retrying on 429 under the limiter's
// backoff policy. The response body is returned for 2xx responses; other
// statuses map to the package's error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		c.limiter.Observe(resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests {
			c.log.Warn().Str("path", path).Msg("rate limited by remote service")
			if backoffErr := c.limiter.Backoff(ctx); backoffErr != nil {
				return nil, backoffErr
			}
			continue
		}
		c.limiter.RecordSuccess()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, fmt.Errorf("%w: reading response: %w", ErrTransient, readErr)
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s %s: status %d", ErrUnauthorized, method, path, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, path, resp.StatusCode)
		}
	}
}

// GetUser fetches a user record by id.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v2/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: decoding user %s: %w", ErrTransient, id, err)
	}
	return &u, nil
}

// ResolveEmail finds the single user for an email address. It returns
// ErrNotFound for zero matches and a MultipleMatchesError when the email
// maps to more than one user.
func (c *Client) ResolveEmail(ctx context.Context, email string) (*User, error) {
	query := url.Values{"email": {email}}
	body, err := c.do(ctx, http.MethodGet, "/api/v2/users-by-email", query)
	if err != nil {
		return nil, err
	}

	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("%w: decoding matches for %s: %w", ErrTransient, email, err)
	}

	switch len(users) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &users[0], nil
	default:
		candidates := make([]string, len(users))
		for i, u := range users {
			candidates[i] = u.ID
		}
		return nil, &MultipleMatchesError{Identifier: email, Candidates: candidates}
	}
}

// DeleteUser removes a user record.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v2/users/"+url.PathEscape(id), nil)
	return err
}

// BlockUser marks a user as blocked.
func (c *Client) BlockUser(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPatch, "/api/v2/users/"+url.PathEscape(id)+"/block", nil)
	return err
}

// RevokeGrants revokes all authorization grants for a user.
func (c *Client) RevokeGrants(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v2/grants", url.Values{"user_id": {id}})
	return err
}

// UnlinkIdentity detaches one linked identity from a user.
func (c *Client) UnlinkIdentity(ctx context.Context, id, provider, identityID string) error {
	path := fmt.Sprintf("/api/v2/users/%s/identities/%s/%s",
		url.PathEscape(id), url.PathEscape(provider), url.PathEscape(identityID))
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}
