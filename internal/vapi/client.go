package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/config"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Client errors
var (
	ErrCallPlacementFailed = errors.New("call placement failed")
	ErrProviderUnavailable = errors.New("voice provider unavailable")
	ErrCircuitOpen         = errors.New("voice provider circuit breaker is open")
)

// ProviderError carries the provider's own error message for a rejected
// call so it can be surfaced per contact in a batch result.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("voice provider returned status %d", e.StatusCode)
}

// PlaceCallRequest is the outbound call placement payload.
type PlaceCallRequest struct {
	AssistantID        string              `json:"assistantId"`
	PhoneNumberID      string              `json:"phoneNumberId"`
	Customer           Customer            `json:"customer"`
	AssistantOverrides *AssistantOverrides `json:"assistantOverrides,omitempty"`
}

// Customer identifies the dial target. Number must be E.164.
type Customer struct {
	Number string `json:"number"`
}

// AssistantOverrides carries the per-call variable substitution map.
type AssistantOverrides struct {
	VariableValues map[string]string `json:"variableValues"`
}

// Call is the subset of the provider's call object this service consumes.
// The id becomes the local Call primary key.
type Call struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

type providerErrorBody struct {
	Message string `json:"message"`
}

// Client talks to the Vapi REST API. Call placement runs behind a circuit
// breaker so a provider outage fails fast instead of stalling every chunk.
type Client struct {
	cfg        *config.VapiConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a new voice provider client
func NewClient(cfg *config.VapiConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vapi",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, stateToMetric(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Provider rejections of a single contact (4xx) are that
			// contact's problem, not the provider's; only availability
			// errors trip the breaker.
			var pe *ProviderError
			if errors.As(err, &pe) {
				return pe.StatusCode < 500
			}
			return false
		},
	})

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.CallTimeout,
		},
		breaker: breaker,
	}
}

// PlaceCall places one outbound phone call. The returned call id is the
// provider's identity for the call and is stored verbatim locally.
func (c *Client) PlaceCall(ctx context.Context, req *PlaceCallRequest) (*Call, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.placeCall(ctx, req)
	})
	if err != nil {
		monitoring.RecordCallPlacement("error", time.Since(start))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().Msg("Circuit breaker is open, rejecting call placement")
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	monitoring.RecordCallPlacement("success", time.Since(start))
	return result.(*Call), nil
}

func (c *Client) placeCall(ctx context.Context, req *PlaceCallRequest) (*Call, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/call/phone", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody providerErrorBody
		_ = json.Unmarshal(respBody, &errBody)
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    errBody.Message,
		}
	}

	var call Call
	if err := json.Unmarshal(respBody, &call); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if call.ID == "" {
		return nil, fmt.Errorf("%w: provider response missing call id", ErrCallPlacementFailed)
	}

	return &call, nil
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateToMetric(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
