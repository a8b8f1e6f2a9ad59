package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/canhoto-sync/pkg/infra"
)

// PODsPath is the multipart POD endpoint relative to the API base URL
const PODsPath = "/v1/delivery/pods/"

// StatusError is returned when the API answers with a non-2xx status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote rejected submission: status %d", e.Code)
	}
	return fmt.Sprintf("remote rejected submission: status %d: %s", e.Code, e.Body)
}

// Client posts POD submissions to the delivery API
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	language string
	logger   *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLanguage sets the Accept-Language header sent with every call
func WithLanguage(lang string) ClientOption {
	return func(c *Client) { c.language = lang }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
		language: "pt-BR",
		logger:   infra.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit uploads one POD. A 401 triggers a single token refresh and retry when the
// token source supports it.
func (c *Client) Submit(ctx context.Context, sub Submission) error {
	if strings.TrimSpace(sub.DeliveryID) == "" {
		return errors.New("submission without delivery id")
	}

	body, contentType, err := sub.Encode()
	if err != nil {
		return err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	err = c.post(ctx, body, contentType, token)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		refresher, ok := c.tokens.(Refresher)
		if !ok {
			return err
		}
		c.logger.Info("Access token rejected, refreshing", "delivery_id", sub.DeliveryID)
		fresh, refreshErr := refresher.Refresh(ctx)
		if refreshErr != nil {
			return fmt.Errorf("refresh access token: %w", refreshErr)
		}
		return c.post(ctx, body, contentType, fresh)
	}
	return err
}

func (c *Client) post(ctx context.Context, body []byte, contentType, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PODsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.language != "" {
		req.Header.Set("Accept-Language", c.language)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post pod: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
