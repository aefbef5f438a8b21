package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport hands intents to the cross-chain messaging layer. Delivery is
// asynchronous; resolution arrives later through the relay boundary.
type Transport interface {
	Send(ctx context.Context, intent *Intent) error
}

// TransportFunc adapts ordinary functions to Transport.
type TransportFunc func(ctx context.Context, intent *Intent) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, intent *Intent) error {
	if f == nil {
		return nil
	}
	return f(ctx, intent)
}

// LogTransport only logs intents. It backs deployments without a relayer.
type LogTransport struct {
	Logger *slog.Logger
}

// Send implements Transport.
func (t LogTransport) Send(_ context.Context, intent *Intent) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("settlement intent published",
		slog.String("id", intent.ID.String()),
		slog.String("destination", intent.DestinationChain),
		slog.Uint64("nonce", intent.Nonce))
	return nil
}

// HTTPTransport posts intents as JSON to a relayer endpoint.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPTransport constructs a relayer client.
func NewHTTPTransport(client *http.Client, endpoint, bearer string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{endpoint: strings.TrimSpace(endpoint), token: bearer, client: client}
}

type intentPayload struct {
	ID          string `json:"id"`
	Destination string `json:"destination_chain"`
	Recipient   string `json:"recipient"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Nonce       uint64 `json:"nonce"`
	Deadline    uint64 `json:"deadline"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, intent *Intent) error {
	body, err := json.Marshal(intentPayload{
		ID:          intent.ID.String(),
		Destination: intent.DestinationChain,
		Recipient:   intent.Recipient,
		Token:       intent.Token,
		Amount:      intent.Amount.String(),
		Nonce:       intent.Nonce,
		Deadline:    intent.Deadline,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", intent.ID.String())
	req.Header.Set("X-Request-ID", uuid.NewString())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settlement: relayer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
