// Package auth verifies connection credentials against the account service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/metrics"
)

const verifyTimeout = 10 * time.Second

// verifyRequest is the payload sent to the account service.
type verifyRequest struct {
	Credential string `json:"credential"`
	Token      string `json:"token,omitempty"`
}

// verifyResponse is the account service's answer for a valid credential.
type verifyResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// authResult separates "the service said no" from transport failures so
// that rejections never trip the circuit breaker.
type authResult struct {
	principal *domain.Principal
	rejected  bool
}

// Client authenticates handshakes against the account service over HTTP.
// Calls run behind a circuit breaker: when the service is down, handshakes
// fail fast instead of piling up on a dead upstream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         circuitbreaker.CircuitBreaker[authResult]
}

var _ domain.Authenticator = (*Client)(nil)

// NewClient creates an authenticator for the account service at baseURL.
// Breaker settings: 60% failure rate over min 5 requests in a 10s window
// opens it, 30s until half-open, one success closes it again.
func NewClient(baseURL string) *Client {
	cb := circuitbreaker.NewBuilder[authResult]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "auth",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)

			metrics.CircuitBreakerStateChanges.WithLabelValues("auth", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("auth").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: verifyTimeout},
		cb:         cb,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Authenticate resolves the credential to a principal. Returns
// domain.ErrAuthenticationFailed when the service rejects the credential;
// any other error means the service could not be consulted.
func (c *Client) Authenticate(ctx context.Context, credential, token string) (*domain.Principal, error) {
	result, err := failsafe.NewExecutor[authResult](c.cb).
		WithContext(ctx).
		Get(func() (authResult, error) {
			return c.verify(ctx, credential, token)
		})

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AuthRequestsTotal.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("authentication service unavailable: %w", err)
	case err != nil:
		metrics.AuthRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to verify credential: %w", err)
	case result.rejected:
		metrics.AuthRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, domain.ErrAuthenticationFailed
	}

	metrics.AuthRequestsTotal.WithLabelValues("ok").Inc()
	return result.principal, nil
}

func (c *Client) verify(ctx context.Context, credential, token string) (authResult, error) {
	body, err := json.Marshal(verifyRequest{Credential: credential, Token: token})
	if err != nil {
		return authResult{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/verify", bytes.NewReader(body))
	if err != nil {
		return authResult{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return authResult{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var vr verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
			return authResult{}, fmt.Errorf("failed to decode verify response: %w", err)
		}
		return authResult{principal: &domain.Principal{ID: vr.ID, Username: vr.Username}}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// A definitive no from the service is a healthy response, not a
		// failure to count against the breaker.
		return authResult{rejected: true}, nil

	default:
		return authResult{}, fmt.Errorf("verify returned unexpected status %d", resp.StatusCode)
	}
}
