// Package remote implements the RemoteService contract over HTTP against
// the authoritative image store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	syncpkg "github.com/kimhsiao/pixmirror/internal/sync"
)

// Client talks to the authoritative service. It is safe for concurrent
// use; the engine serializes sync-path calls itself.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure Client satisfies the engine's contract at compile time.
var _ syncpkg.RemoteService = (*Client)(nil)

// conflictResponse is the body of an HTTP 409 from the write endpoints.
type conflictResponse struct {
	CurrentSequence int64 `json:"current_sequence"`
}

// FetchOperations implements RemoteService.FetchOperations.
func (c *Client) FetchOperations(ctx context.Context, sinceSequence int64) (*syncpkg.OperationPage, error) {
	endpoint := c.baseURL + "/v1/operations?since=" + strconv.FormatInt(sinceSequence, 10)

	var page syncpkg.OperationPage
	if err := c.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchSnapshot implements RemoteService.FetchSnapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*syncpkg.Snapshot, error) {
	var snap syncpkg.Snapshot
	if err := c.getJSON(ctx, c.baseURL+"/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SubmitWrite implements RemoteService.SubmitWrite. An HTTP 409 decodes to
// the typed conflict carrying the service's current sequence.
func (c *Client) SubmitWrite(ctx context.Context, req *syncpkg.WriteRequest) (*syncpkg.WriteResult, error) {
	method := http.MethodPost
	endpoint := c.baseURL + "/v1/images"
	switch req.Kind {
	case syncpkg.WriteUpdate:
		method = http.MethodPut
		endpoint += "/" + url.PathEscape(req.UUID.String())
	case syncpkg.WriteDelete:
		method = http.MethodDelete
		endpoint += "/" + url.PathEscape(req.UUID.String())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to encode write request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build write request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError("write request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var conflict conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "malformed conflict response", err)
		}
		return nil, apperrors.NewConflict(conflict.CurrentSequence, req.LastAppliedSequence)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	var result syncpkg.WriteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "malformed write response", err)
	}
	return &result, nil
}

// getJSON performs an authorized GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError("fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncNetwork, "malformed response body", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// transportError classifies a transport failure as timeout or plain
// network error; both are transient.
func (c *Client) transportError(message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, message, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, message, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncNetwork, message, err)
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return apperrors.New(apperrors.ErrSyncNetwork,
		fmt.Sprintf("service returned %d: %s", resp.StatusCode, string(body)))
}
