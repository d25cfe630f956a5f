// Package transport connects the synchronization core to the backend: a REST
// client for durable reads and writes, and a websocket feed for push events.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/internal/domain"
)

const restMaxRetries = 3

// RESTStore is the durable message store over the backend's HTTP API.
type RESTStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewRESTStore(cfg RESTConfig) *RESTStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RESTStore{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// sendRequest carries everything the server needs to persist a message and
// echo it back with identity attached.
type sendRequest struct {
	ClientToken string           `json:"client_token"`
	Content     string           `json:"content"`
	Kind        string           `json:"kind"`
	Media       *domain.MediaRef `json:"media,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

type pageResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"next_cursor"`
}

// Insert persists a locally authored message and returns the server's
// confirmed record.
func (s *RESTStore) Insert(ctx context.Context, msg domain.Message) (domain.Message, error) {
	body := sendRequest{
		ClientToken: msg.ClientToken,
		Content:     msg.Content,
		Kind:        string(msg.Kind),
		Media:       msg.Media,
		CreatedAt:   msg.CreatedAt,
	}
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(msg.ConversationID))

	var confirmed domain.Message
	if err := s.do(ctx, http.MethodPost, path, body, &confirmed); err != nil {
		return domain.Message{}, err
	}
	return confirmed, nil
}

// Update applies a partial mutation (edit, soft-delete) to a confirmed
// message.
func (s *RESTStore) Update(ctx context.Context, id string, patch domain.MessagePatch) (domain.Message, error) {
	var updated domain.Message
	err := s.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), patch, &updated)
	return updated, err
}

// Page fetches one backward page of history. An empty cursor means the newest
// page; the returned cursor resumes before the oldest message in this page,
// empty when history is exhausted.
func (s *RESTStore) Page(ctx context.Context, conversationID, cursor string, limit int) ([]domain.Message, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/api/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())

	var page pageResponse
	if err := s.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, "", err
	}
	return page.Messages, page.NextCursor, nil
}

// do runs one API call with exponential backoff on transient failures
// (network errors, 5xx, 429) and decodes the response into out.
func (s *RESTStore) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= restMaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
			backoff := base + jitter
			s.logger.Warn("retrying request", "method", method, "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return domain.NewServiceError(domain.NetworkError, "request cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = domain.NewServiceError(domain.NetworkError, "request failed", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = domain.NewServiceError(domain.NetworkError,
				fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(b)), nil)
			continue
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return statusError(resp.StatusCode, string(b))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return domain.NewServiceError(domain.UnknownError, "decode response", err)
		}
		return nil
	}
	return lastErr
}

// statusError maps a non-retryable HTTP status to a service error kind.
func statusError(code int, body string) error {
	msg := fmt.Sprintf("HTTP %d: %s", code, body)
	switch code {
	case http.StatusUnauthorized:
		return domain.NewServiceError(domain.AuthError, msg, nil)
	case http.StatusForbidden:
		return domain.NewServiceError(domain.PermissionDenied, msg, nil)
	case http.StatusNotFound:
		return domain.NewServiceError(domain.NotFound, msg, nil)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.NewServiceError(domain.ValidationError, msg, nil)
	default:
		return domain.NewServiceError(domain.UnknownError, msg, nil)
	}
}
