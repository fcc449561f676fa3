package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"kasirsync/internal/domain"
)

// Transport is the server side of the sync protocol.
type Transport interface {
	PullCatalog(ctx context.Context, req domain.CatalogPullRequest) (domain.CatalogDelta, error)
	UploadSales(ctx context.Context, req domain.SaleUploadRequest) (domain.UploadResponse, error)
	UploadStockAdjustments(ctx context.Context, req domain.StockUploadRequest) (domain.UploadResponse, error)
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether retrying the same request later can succeed:
// network failures, timeouts, 408, 429 and 5xx. Validation and auth failures
// are permanent, and so is a cancelled context.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// HTTPTransport speaks the JSON API of the sync server.
type HTTPTransport struct {
	baseURL string
	token   TokenSource
	client  *http.Client
}

func NewHTTPTransport(baseURL string, token TokenSource, timeout time.Duration) *HTTPTransport {
	if token == nil {
		token = StaticToken("")
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) PullCatalog(ctx context.Context, req domain.CatalogPullRequest) (domain.CatalogDelta, error) {
	query := url.Values{}
	query.Set("product_version", strconv.FormatInt(req.ProductVersion, 10))
	query.Set("category_version", strconv.FormatInt(req.CategoryVersion, 10))
	if req.IncludeDeleted {
		query.Set("include_deleted", "true")
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	var delta domain.CatalogDelta
	err := t.do(ctx, http.MethodGet, "/api/v1/sync/catalog?"+query.Encode(), nil, &delta)
	return delta, err
}

func (t *HTTPTransport) UploadSales(ctx context.Context, req domain.SaleUploadRequest) (domain.UploadResponse, error) {
	var resp domain.UploadResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/sync/sales", req, &resp)
	return resp, err
}

func (t *HTTPTransport) UploadStockAdjustments(ctx context.Context, req domain.StockUploadRequest) (domain.UploadResponse, error) {
	var resp domain.UploadResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/sync/stock-adjustments", req, &resp)
	return resp, err
}

// FetchSale reads a sale as the server recorded it.
func (t *HTTPTransport) FetchSale(ctx context.Context, reference string) (domain.Sale, error) {
	var resp struct {
		Sale domain.Sale `json:"sale"`
	}
	err := t.do(ctx, http.MethodGet, "/api/v1/sales/"+url.PathEscape(reference), nil, &resp)
	return resp.Sale, err
}

// RequestToken enrolls a terminal and returns its bearer token.
func (t *HTTPTransport) RequestToken(ctx context.Context, terminalID string, enrollmentKey string) (domain.TokenResponse, error) {
	var resp domain.TokenResponse
	err := t.send(ctx, http.MethodPost, "/api/v1/auth/token", "", domain.TokenRequest{
		TerminalID:    terminalID,
		EnrollmentKey: enrollmentKey,
	}, &resp)
	return resp, err
}

func (t *HTTPTransport) do(ctx context.Context, method string, path string, body any, dest any) error {
	token, err := t.token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	return t.send(ctx, method, path, token, body, dest)
}

func (t *HTTPTransport) send(ctx context.Context, method string, path string, token string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Enrollment hands out a terminal token, requesting a new one from the
// server when the cached one is close to expiry.
type Enrollment struct {
	transport     *HTTPTransport
	terminalID    string
	enrollmentKey string
	now           func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewEnrollment(baseURL string, terminalID string, enrollmentKey string, timeout time.Duration) *Enrollment {
	return &Enrollment{
		transport:     NewHTTPTransport(baseURL, nil, timeout),
		terminalID:    terminalID,
		enrollmentKey: enrollmentKey,
		now:           time.Now,
	}
}

const tokenRefreshMargin = time.Minute

// Token satisfies TokenSource.
func (e *Enrollment) Token(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token != "" && e.now().Add(tokenRefreshMargin).Before(e.expiresAt) {
		return e.token, nil
	}

	resp, err := e.transport.RequestToken(ctx, e.terminalID, e.enrollmentKey)
	if err != nil {
		return "", err
	}
	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("token expiry %q: %w", resp.ExpiresAt, err)
	}
	e.token = resp.AccessToken
	e.expiresAt = expiresAt
	return e.token, nil
}
