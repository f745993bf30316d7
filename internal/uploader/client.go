// Package uploader is the client side of the chunked transfer API: it splits
// a file into fixed-size chunks, sends a bounded number in parallel and
// retries the ones that failed for transient reasons.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"roomdrop/internal/domain"
	"roomdrop/internal/target"
)

const (
	// MaxConcurrency caps the chunks in flight per transfer.
	MaxConcurrency = 3
	// DefaultChunkTimeout bounds one chunk request.
	DefaultChunkTimeout = 60 * time.Second
	// DefaultInitialInterval is the first backoff delay; it doubles per retry.
	DefaultInitialInterval = 2 * time.Second
	// DefaultMaxRetries is how often one chunk is retried before giving up.
	DefaultMaxRetries = 5

	identityHeader = "X-User-ID"
	requestTimeout = 15 * time.Second
)

// Config tunes a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Identity is sent as the identity header: a user id, or a signed token
	// when the server requires one.
	Identity string
	// Concurrency is clamped to [1, MaxConcurrency].
	Concurrency     int
	ChunkTimeout    time.Duration
	InitialInterval time.Duration
	MaxRetries      int
	// ChunksPerSecond paces chunk starts. Zero means unpaced.
	ChunksPerSecond int
	HTTPClient      *http.Client
}

// Client talks to one server as one identity.
type Client struct {
	base            string
	identity        string
	concurrency     int
	chunkTimeout    time.Duration
	initialInterval time.Duration
	maxRetries      int
	chunksPerSecond int
	http            *http.Client
}

// New returns a Client with defaults filled in.
func New(cfg Config) *Client {
	c := &Client{
		base:            strings.TrimRight(cfg.BaseURL, "/"),
		identity:        cfg.Identity,
		concurrency:     cfg.Concurrency,
		chunkTimeout:    cfg.ChunkTimeout,
		initialInterval: cfg.InitialInterval,
		maxRetries:      cfg.MaxRetries,
		chunksPerSecond: cfg.ChunksPerSecond,
		http:            cfg.HTTPClient,
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.concurrency > MaxConcurrency {
		c.concurrency = MaxConcurrency
	}
	if c.chunkTimeout <= 0 {
		c.chunkTimeout = DefaultChunkTimeout
	}
	if c.initialInterval <= 0 {
		c.initialInterval = DefaultInitialInterval
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Kind      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
}

// Retryable reports whether err is worth another attempt: transport
// failures, timeouts, rate limiting and server errors are; rejections of the
// request itself are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable {
			return true
		}
		return apiErr.Status == http.StatusRequestTimeout ||
			apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

func descriptorQuery(d target.Descriptor) string {
	q := url.Values{}
	if d.RecipientID != "" {
		q.Set("recipientId", d.RecipientID)
	}
	if d.RoomID != "" {
		q.Set("roomId", d.RoomID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if c.identity != "" {
		req.Header.Set(identityHeader, c.identity)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(buf)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: "request failed"}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var parsed struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
		apiErr.Kind = parsed.Kind
		apiErr.Retryable = parsed.Retryable
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	return apiErr
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, d target.Descriptor, text string) (*domain.Message, error) {
	payload := map[string]string{"recipientId": d.RecipientID, "roomId": d.RoomID, "content": text}
	var msg domain.Message
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateRoom creates a room and returns it with its join code.
func (c *Client) CreateRoom(ctx context.Context, name string, permanent bool, ttlHours int) (*domain.Room, error) {
	payload := map[string]interface{}{"name": name, "permanent": permanent, "ttlHours": ttlHours}
	var room domain.Room
	if err := c.doJSON(ctx, http.MethodPost, "/api/rooms", payload, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinRoom joins by code.
func (c *Client) JoinRoom(ctx context.Context, code string) (*domain.Room, error) {
	var room domain.Room
	if err := c.doJSON(ctx, http.MethodPost, "/api/rooms/join", map[string]string{"code": code}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// Download streams the named artifact into w and returns the bytes copied.
func (c *Client) Download(ctx context.Context, d target.Descriptor, name string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(name)+descriptorQuery(d), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "download %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readAPIError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	return n, errors.Wrapf(err, "download %s", name)
}
