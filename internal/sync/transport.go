package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"offline-sync-engine/internal/store"
)

// HTTPTransport replays operations against a server sync endpoint over
// JSON. The engine itself stays transport-agnostic; this is the stock
// implementation wired by cmd/server.
type HTTPTransport struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPTransport(endpoint, token string) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type syncRequest struct {
	OperationID     string              `json:"operationId"`
	DeviceID        string              `json:"deviceId"`
	UserID          string              `json:"userId"`
	SequenceNumber  int64               `json:"sequenceNumber"`
	OperationKind   store.OperationKind `json:"operationKind"`
	EntityType      string              `json:"entityType"`
	EntityID        string              `json:"entityId,omitempty"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	PreviousVersion *int64              `json:"previousVersion,omitempty"`
}

type syncResponse struct {
	Accepted       bool                   `json:"accepted"`
	HasConflict    bool                   `json:"hasConflict"`
	ServerSnapshot *store.VersionSnapshot `json:"serverSnapshot,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

func (t *HTTPTransport) SyncToServer(ctx context.Context, entry *store.QueueEntry) (*TransportResult, error) {
	reqBody := syncRequest{
		OperationID:    entry.OperationID,
		DeviceID:       entry.DeviceID,
		UserID:         entry.UserID,
		SequenceNumber: entry.SequenceNumber,
		OperationKind:  entry.Kind,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Payload:        entry.Payload,
	}
	if entry.PreviousVersion.Valid {
		v := entry.PreviousVersion.Int64
		reqBody.PreviousVersion = &v
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Code: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &TransportError{Code: resp.StatusCode, Message: resp.Status}
	}

	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Code: resp.StatusCode, Message: "malformed sync response: " + err.Error()}
	}

	result := &TransportResult{
		Accepted:       out.Accepted,
		HasConflict:    out.HasConflict,
		ServerSnapshot: out.ServerSnapshot,
	}
	if out.Error != "" {
		result.Err = &TransportError{Code: resp.StatusCode, Message: out.Error}
	}
	return result, nil
}
