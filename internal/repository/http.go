package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sethgrid/pester"

	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

// DefaultHTTPTries bounds pester's own retries per request. The service adds
// its own backoff on top, so this stays small.
const DefaultHTTPTries = 3

// Client is satisfied by *pester.Client and *http.Client.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// MakePesterClient returns a retrying client that logs each failed attempt.
func MakePesterClient(logger snap.Logger) *pester.Client {
	if logger == nil {
		logger = snap.NewNopLogger()
	}
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultHTTPTries
	client.LogHook = func(e pester.ErrEntry) {
		logger.Warn("retrying after failed attempt", "method", e.Method, "url", e.URL, "attempt", e.Attempt, "error", e.Err)
	}
	return client
}

// HTTPRepository talks to a plain REST server:
//
//	HEAD|GET|PUT {base}/blocks/{hash}
//	HEAD|GET|PUT {base}/snapshots/{id}.json
//
// Record PUTs carry If-None-Match: *, and the server answers 412 when the id
// is already registered.
type HTTPRepository struct {
	name    string
	rootURI string
	token   string
	client  Client
}

// NewHTTPRepository creates a repository rooted at rootURI.
func NewHTTPRepository(name, rootURI, token string, client Client) (*HTTPRepository, error) {
	if rootURI == "" {
		return nil, fmt.Errorf("http repository %s requires url to be set", name)
	}
	if !strings.HasSuffix(rootURI, "/") {
		rootURI += "/"
	}
	return &HTTPRepository{name: name, rootURI: rootURI, token: token, client: client}, nil
}

func (h *HTTPRepository) Name() string { return h.name }

func (h *HTTPRepository) do(ctx context.Context, method, rel string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.rootURI+rel, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rel, err)
	}
	return resp, nil
}

func (h *HTTPRepository) head(ctx context.Context, rel string) (bool, error) {
	resp, err := h.do(ctx, http.MethodHead, rel, nil, nil)
	if err != nil {
		return false, err
	}
	drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(http.MethodHead, rel, resp)
}

// Exists reports whether id is registered.
func (h *HTTPRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	return h.head(ctx, recordKey(id))
}

// HasBlock reports whether a block is stored.
func (h *HTTPRepository) HasBlock(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	return h.head(ctx, blockKey(hash))
}

// PutBlock uploads a block. The payload is buffered so pester can replay it.
func (h *HTTPRepository) PutBlock(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash(hash); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read block: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	header := http.Header{"Content-Type": {"application/octet-stream"}}
	resp, err := h.do(ctx, http.MethodPut, blockKey(hash), data, header)
	if err != nil {
		return err
	}
	drain(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	}
	return statusError(http.MethodPut, blockKey(hash), resp)
}

// FetchBlock writes the block to w.
func (h *HTTPRepository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	if err := checkHash(hash); err != nil {
		return err
	}
	resp, err := h.do(ctx, http.MethodGet, blockKey(hash), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
	default:
		return statusError(http.MethodGet, blockKey(hash), resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading block %s: %w", hash, err)
	}
	return nil
}

// Register PUTs the record only if the id is free.
func (h *HTTPRepository) Register(ctx context.Context, record *model.Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	id := record.Snapshot.ID
	if err := checkID(id); err != nil {
		return err
	}

	header := http.Header{
		"Content-Type":  {"application/json"},
		"If-None-Match": {"*"},
	}
	resp, err := h.do(ctx, http.MethodPut, recordKey(id), data, header)
	if err != nil {
		return err
	}
	drain(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPreconditionFailed, http.StatusConflict:
		existing, err := h.FetchMetadata(ctx, id)
		if err != nil {
			return err
		}
		return sameRegistration(existing, record)
	}
	return statusError(http.MethodPut, recordKey(id), resp)
}

// FetchMetadata returns the record registered under id.
func (h *HTTPRepository) FetchMetadata(ctx context.Context, id string) (*model.Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, http.MethodGet, recordKey(id), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundRemote, id)
	default:
		return nil, statusError(http.MethodGet, recordKey(id), resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return decodeRecord(id, data)
}

// ValidateSetup checks that the server answers at the root URI.
func (h *HTTPRepository) ValidateSetup(ctx context.Context) error {
	resp, err := h.do(ctx, http.MethodHead, "", nil, nil)
	if err != nil {
		return err
	}
	drain(resp)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return statusError(http.MethodHead, "", resp)
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func statusError(method, rel string, resp *http.Response) error {
	return fmt.Errorf("%s %s: unexpected response %s", method, rel, resp.Status)
}

var _ snap.Repository = (*HTTPRepository)(nil)
