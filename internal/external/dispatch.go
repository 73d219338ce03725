package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"outreach/internal/config"
	"outreach/internal/types"
)

// DispatchClient calls the message composition/delivery collaborator. The
// engine never renders or sends content itself; it posts the send request
// and receives the outbound message id used to key engagement events.
type DispatchClient struct {
	base   *BaseClient
	url    string
	logger types.Logger
}

// dispatchResponse is the collaborator's reply to a send request.
type dispatchResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// NewDispatchClient creates the dispatch client from config.
func NewDispatchClient(cfg config.DispatchConfig, logger types.Logger, opts ...BaseClientOption) *DispatchClient {
	if logger == nil {
		logger = types.NopLogger{}
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &DispatchClient{
		base:   NewBaseClient(httpClient, "dispatch", DefaultRetryPolicy(), cfg.UserAgent, opts...),
		url:    cfg.URL,
		logger: logger,
	}
}

// Dispatch posts one send request and returns the outbound message id.
func (c *DispatchClient) Dispatch(ctx context.Context, payload types.SendJobPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal dispatch request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			fmt.Sprintf("dispatch service returned %d", resp.StatusCode), nil).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			"failed to decode dispatch response", err)
	}
	if out.MessageID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			"dispatch response missing message id", nil)
	}

	c.logger.Info("send dispatched",
		"campaign_id", payload.CampaignID,
		"node_id", payload.NodeID,
		"message_id", out.MessageID,
	)
	return out.MessageID, nil
}
