package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BackendClient talks to the backend chat API
// (POST /v1/chat/handle, POST /v1/chat/reset).
type BackendClient struct {
	baseURL string
	http    *http.Client
}

// NewBackendClient creates a client for the backend API
func NewBackendClient(baseURL string) *BackendClient {
	return &BackendClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type chatResponse struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type resetRequest struct {
	ChatID string `json:"chat_id"`
}

// HandleChat sends one inbound message and returns the reply text
func (c *BackendClient) HandleChat(ctx context.Context, userID, chatID, text string) (string, error) {
	var resp chatResponse
	err := c.post(ctx, "/v1/chat/handle", chatRequest{UserID: userID, ChatID: chatID, Text: text}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ResetChat closes the chat's active session
func (c *BackendClient) ResetChat(ctx context.Context, chatID string) error {
	return c.post(ctx, "/v1/chat/reset", resetRequest{ChatID: chatID}, nil)
}

func (c *BackendClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("backend returned %s for %s", resp.Status, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
