package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/model"
)

// ErrorKind classifies a failed transport call.
type ErrorKind string

const (
	// KindNetwork covers connect and timeout failures; retryable on the next tick.
	KindNetwork ErrorKind = "network"
	// KindAuthRejected covers HTTP 401/403; triggers re-login.
	KindAuthRejected ErrorKind = "auth_rejected"
	// KindServerError covers 5xx responses; retryable with backoff.
	KindServerError ErrorKind = "server_error"
	// KindMalformedResponse covers undecodable bodies and unexpected 4xx; not retryable.
	KindMalformedResponse ErrorKind = "malformed_response"
)

// Error wraps a transport failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from err, or "" when err is not a transport error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Ack is the generic success envelope returned by the remote endpoint.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusInfo is the read-only state returned by the checkStatus endpoint.
type StatusInfo struct {
	IsLoggedIn   bool      `json:"isLoggedIn"`
	LoginTime    time.Time `json:"loginTime"`
	LastActivity time.Time `json:"lastActivity"`
}

// HTTPDoer defines the http.Client interface subset used by the transport.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is a stateless request/response wrapper around the remote API. It
// classifies outcomes but never mutates session state; that stays with the caller.
type Client struct {
	baseURL string
	client  HTTPDoer
	logger  *zap.Logger
}

// New builds a transport client with a request timeout.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// NewWithDoer builds a transport client around a caller-supplied HTTP doer.
func NewWithDoer(baseURL string, doer HTTPDoer, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  doer,
		logger:  logger,
	}
}

type setUnitRequest struct {
	DeploymentCode string `json:"deploymentCode"`
	Action         string `json:"action"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

type updateLocationRequest struct {
	DeploymentCode string          `json:"deploymentCode"`
	Location       locationPayload `json:"location"`
	BatteryStatus  int             `json:"batteryStatus"`
	Signal         string          `json:"signal"`
}

type checkStatusRequest struct {
	DeploymentCode string `json:"deploymentCode"`
}

// Login registers the unit as active.
func (c *Client) Login(ctx context.Context, token, deploymentCode string) (Ack, error) {
	var ack Ack
	err := c.post(ctx, "/setUnit", token, setUnitRequest{DeploymentCode: deploymentCode, Action: "login"}, &ack)
	return ack, err
}

// Logout releases the unit.
func (c *Client) Logout(ctx context.Context, token, deploymentCode string) (Ack, error) {
	var ack Ack
	err := c.post(ctx, "/setUnit", token, setUnitRequest{DeploymentCode: deploymentCode, Action: "logout"}, &ack)
	return ack, err
}

// SubmitTelemetry pushes one snapshot. The caller must not pass a snapshot
// without a position fix; that is a contract violation, not re-checked here.
func (c *Client) SubmitTelemetry(ctx context.Context, token, deploymentCode string, snap model.TelemetrySnapshot) (Ack, error) {
	req := updateLocationRequest{
		DeploymentCode: deploymentCode,
		Location: locationPayload{
			Latitude:  snap.Position.Latitude,
			Longitude: snap.Position.Longitude,
			Accuracy:  snap.Position.Accuracy,
		},
		BatteryStatus: snap.Status.BatteryLevel,
		Signal:        string(snap.Status.Connectivity),
	}
	var ack Ack
	err := c.post(ctx, "/updateLocation", token, req, &ack)
	return ack, err
}

// CheckStatus performs a read-only health check against the endpoint.
func (c *Client) CheckStatus(ctx context.Context, token, deploymentCode string) (StatusInfo, error) {
	var info StatusInfo
	err := c.post(ctx, "/checkStatus", token, checkStatusRequest{DeploymentCode: deploymentCode}, &info)
	return info, err
}

func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("transport request failed", zap.String("path", path), zap.Error(err))
		return &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuthRejected, Err: fmt.Errorf("%s returned %d", path, resp.StatusCode)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &Error{Kind: KindServerError, Err: fmt.Errorf("%s returned %d", path, resp.StatusCode)}
	case resp.StatusCode >= http.StatusMultipleChoices:
		// Anything else outside 2xx means the client and server disagree on the
		// protocol; log it loudly as a bug signal.
		c.logger.Error("unexpected transport status", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("%s returned %d", path, resp.StatusCode)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, Err: fmt.Errorf("read response: %w", err)}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		c.logger.Error("undecodable transport response", zap.String("path", path), zap.Error(err))
		return &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
