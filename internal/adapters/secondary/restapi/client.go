package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

const (
	maxJSONBody     = 8 << 20
	maxDownloadBody = 64 << 20
)

// Config configures the portal REST client.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client consumes the portal REST API. Requests are paced by a token bucket
// so a burst of change notifications cannot turn into a burst of refetches.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ ports.PortalAPI = (*Client)(nil)

// New creates a client for the API at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("portal api base url is empty")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid portal api base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "restapi"),
	}, nil
}

// FetchList fetches a list endpoint and normalizes its shape.
func (c *Client) FetchList(ctx context.Context, q ports.ListQuery) ([]domain.Record, error) {
	status, _, body, err := c.do(ctx, http.MethodGet, q.Path, q.Params, nil, "application/json", maxJSONBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrFetchFailed, q.Path, err)
	}
	if err := statusError(status, body, apperrors.ErrFetchFailed); err != nil {
		return nil, fmt.Errorf("%s: %w", q.Path, err)
	}

	records, err := ParseList(body, q.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.Path, err)
	}
	c.logger.DebugContext(ctx, "list fetched", "path", q.Path, "count", len(records))
	return records, nil
}

// Mutate sends a mutation. A non-2xx status is returned as a MutationError
// carrying the server's message; a 2xx body with success=false is returned
// as a result for the caller to judge.
func (c *Client) Mutate(ctx context.Context, req ports.MutationRequest) (*domain.MutationResult, error) {
	var payload io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode mutation body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	status, _, body, err := c.do(ctx, method, req.Path, nil, payload, "application/json", maxJSONBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}

	result := ParseMutationResult(status, body)
	if status < 200 || status >= 300 {
		return nil, &apperrors.MutationError{Status: status, ServerMessage: result.ServerMessage()}
	}
	return result, nil
}

// Download fetches a file and checks that it is what the caller asked for.
func (c *Client) Download(ctx context.Context, req ports.DownloadRequest) (*domain.File, error) {
	accept := req.ContentType
	if accept == "" {
		accept = "*/*"
	}
	status, header, body, err := c.do(ctx, http.MethodGet, req.Path, req.Params, nil, accept, maxDownloadBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrFetchFailed, req.Path, err)
	}
	if err := statusError(status, body, apperrors.ErrFetchFailed); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Path, err)
	}

	contentType := header.Get("Content-Type")
	if !acceptableContentType(contentType, req.ContentType) {
		return nil, fmt.Errorf("%w: got %q for %s", apperrors.ErrInvalidContentType, contentType, req.Path)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrEmptyPayload, req.Path)
	}

	name := req.FileName
	if _, params, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return &domain.File{Name: name, ContentType: contentType, Data: body}, nil
}

// FetchPermissions fetches the capability flags at path.
func (c *Client) FetchPermissions(ctx context.Context, path string) (domain.PermissionSet, error) {
	status, _, body, err := c.do(ctx, http.MethodGet, path, nil, nil, "application/json", maxJSONBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrFetchFailed, path, err)
	}
	if err := statusError(status, body, apperrors.ErrFetchFailed); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ParsePermissions(body)
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	params url.Values,
	body io.Reader,
	accept string,
	limit int64,
) (int, http.Header, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, nil, err
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "request failed", "method", method, "path", path, "error", err)
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.DebugContext(ctx, "request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.StatusCode, resp.Header, data, nil
}

func statusError(status int, body []byte, kind error) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperrors.ErrEndpointMissing
	case status == http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case status == http.StatusForbidden:
		return apperrors.ErrForbidden
	}
	msg := ParseMutationResult(status, body).ServerMessage()
	if msg == "" {
		return fmt.Errorf("%w: status %d", kind, status)
	}
	return fmt.Errorf("%w: status %d: %s", kind, status, msg)
}

// acceptableContentType reports whether got satisfies want. With no explicit
// expectation any non-JSON, non-HTML body is accepted: those two are what an
// API returns for errors.
func acceptableContentType(got, want string) bool {
	gotType, _, err := mime.ParseMediaType(got)
	if err != nil {
		return false
	}
	if want == "" {
		return gotType != "application/json" && gotType != "text/html"
	}
	wantType, _, err := mime.ParseMediaType(want)
	if err != nil {
		return false
	}
	return strings.EqualFold(gotType, wantType)
}
