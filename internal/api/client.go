package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shiplive/native/internal/domain"
)

const defaultTimeout = 15 * time.Second

type uploadResponse struct {
	URL string `json:"url"`
}

// Client talks to the chat history REST collaborator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client rooted at baseURL (e.g. http://host/api).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// History returns the stored messages of an order, oldest first.
func (c *Client) History(ctx context.Context, orderID string) ([]domain.ChatMessage, error) {
	body, err := c.do(ctx, http.MethodGet, c.messagesURL(orderID), "", nil)
	if err != nil {
		return nil, err
	}

	var msgs []domain.ChatMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w: %w", domain.ErrNetwork, err)
	}
	return msgs, nil
}

// PostMessage stores msg under its order.
func (c *Client) PostMessage(ctx context.Context, msg domain.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, c.messagesURL(msg.OrderID), "application/json", bytes.NewReader(payload))
	return err
}

// UploadFile sends r as a multipart file and returns the URL it is served from.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/uploads", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var up uploadResponse
	if err := json.Unmarshal(body, &up); err != nil {
		return "", fmt.Errorf("unmarshal upload response: %w: %w", domain.ErrNetwork, err)
	}
	if up.URL == "" {
		return "", fmt.Errorf("upload response without url: %w", domain.ErrNetwork)
	}
	return up.URL, nil
}

func (c *Client) messagesURL(orderID string) string {
	if room, err := domain.NormalizeRoomID(orderID); err == nil {
		orderID = room.OrderID()
	}
	return fmt.Sprintf("%s/orders/%s/messages", c.baseURL, url.PathEscape(orderID))
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, target, domain.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("http %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(respBody)), domain.ErrNetwork)
	}
	return respBody, nil
}
