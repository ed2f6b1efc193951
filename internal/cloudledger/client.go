package cloudledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/observability"
	"github.com/neighborguard/edge/internal/outbox"
)

// Client is an outbox.Sender that delivers durable outbox entries to the
// cloud ledger over HTTPS. It never recomputes or inspects the security
// decision carried in the payload — it is a thin transport adapter, same
// contract the server side promises to uphold.
type Client struct {
	http     *http.Client
	baseURL  string
	circleID string
	deviceKey string
	log      *zap.Logger
	metrics  *observability.Metrics
}

// NewClient creates a Client bound to cfg's base URL and timeout.
func NewClient(cfg config.CloudLedgerConfig, circleID, deviceKey string, log *zap.Logger, metrics *observability.Metrics) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   cfg.BaseURL,
		circleID:  circleID,
		deviceKey: deviceKey,
		log:       log,
		metrics:   metrics,
	}
}

// Send implements outbox.Sender, routing each entry to the endpoint that
// matches its Kind.
func (c *Client) Send(ctx context.Context, e outbox.Entry) error {
	start := time.Now()
	var err error
	switch e.Kind {
	case outbox.KindEventIngest:
		err = c.sendIngest(ctx, e)
	case outbox.KindEvidenceUploadSession:
		err = c.sendUploadSession(ctx, e)
	case outbox.KindEvidenceUploadComplete:
		err = c.sendUploadComplete(ctx, e)
	case outbox.KindDeviceRegistration:
		err = c.sendDeviceRegistration(ctx, e)
	default:
		return fmt.Errorf("cloudledger: unknown outbox kind %q", e.Kind)
	}
	if c.metrics != nil {
		c.metrics.CloudLedgerRequestLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Client) sendIngest(ctx context.Context, e outbox.Entry) error {
	req := IngestRequest{
		IdempotencyKey: e.IdempotencyKey,
		Event:          e.Payload,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cloudledger: marshal ingest: %w", err)
	}

	var resp IngestResponse
	if err := c.post(ctx, "/api/circles/"+c.circleID+"/events/ingest", body, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("cloudledger: ingest rejected for %s", e.ID)
	}
	return nil
}

func (c *Client) sendUploadSession(ctx context.Context, e outbox.Entry) error {
	var resp UploadSessionResponse
	return c.post(ctx, "/api/circles/"+c.circleID+"/events/"+e.EntryPointID+"/evidence/upload-session", e.Payload, &resp)
}

func (c *Client) sendUploadComplete(ctx context.Context, e outbox.Entry) error {
	var resp map[string]bool
	return c.post(ctx, "/api/circles/"+c.circleID+"/evidence/complete", e.Payload, &resp)
}

func (c *Client) sendDeviceRegistration(ctx context.Context, e outbox.Entry) error {
	var resp DeviceRegistrationResponse
	return c.post(ctx, "/api/circles/"+c.circleID+"/edge/devices", e.Payload, &resp)
}

// post issues one POST request, decoding into out. A 409 is translated
// into a *CloudConflict, which the caller must surface to the operator
// rather than retry — the outbox treats this as terminal, not transient.
func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloudledger: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Device "+c.deviceKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cloudledger: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("cloudledger: decode response from %s: %w", path, err)
			}
		}
		return nil
	case http.StatusConflict:
		return &CloudConflict{IdempotencyKey: path}
	case http.StatusUnauthorized, http.StatusForbidden:
		c.log.Warn("cloudledger: auth rejected, re-pair required", zap.String("path", path))
		return fmt.Errorf("cloudledger: auth rejected on %s: %s", path, string(data))
	default:
		return fmt.Errorf("cloudledger: %s returned %d: %s", path, resp.StatusCode, string(data))
	}
}
