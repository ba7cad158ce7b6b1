// Package mesh talks to the local mesh daemon: paged thread and message
// reads, message posts, a reachability probe, and the live event feed.
// Responses are returned undecoded; internal/contract validates them.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is an HTTP and websocket client for one daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for baseURL, e.g. "http://127.0.0.1:4243".
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// StatusError is a non-2xx daemon response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func pageQuery(cursor string, limit int) url.Values {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// FetchThreadPage reads one page of thread summaries. An empty cursor
// requests the first page.
func (c *Client) FetchThreadPage(ctx context.Context, cursor string, limit int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/threads", pageQuery(cursor, limit), nil)
}

// FetchMessagesPage reads one page of a thread's messages. An empty cursor
// requests the newest page.
func (c *Client) FetchMessagesPage(ctx context.Context, threadID, cursor string, limit int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+"/messages", pageQuery(cursor, limit), nil)
}

// OutgoingMessage is the body of a post. MessageID is supplied by the
// caller so a retried post is idempotent.
type OutgoingMessage struct {
	MessageID   string             `json:"message_id"`
	Body        string             `json:"body"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Paper       *model.Paper       `json:"paper,omitempty"`
}

// PostMessage sends a message to threadID.
func (c *Client) PostMessage(ctx context.Context, threadID string, msg OutgoingMessage) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/messages", nil, msg)
}

// Probe reads the daemon's reachability report.
func (c *Client) Probe(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/probe", nil, nil)
}

// Subscribe opens the event feed. Each raw event frame is delivered on the
// returned channel, which is closed when the feed ends or ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan []byte, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/events"

	conn, _, err := websocket.Dial(ctx, wsURL, nil) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event feed closed", zap.Error(err))
				}
				return
			}
			select {
			case ch <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
