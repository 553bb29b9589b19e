// Package walrus talks to content storage publishers and aggregators over their HTTP API.
package walrus

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

	"suimessenger/internal/domain"
)

// MaxBlobBytes caps how much of a blob body is read
const MaxBlobBytes = 64 << 20

// PutResponse is the publisher reply. Exactly one branch is set.
type PutResponse struct {
	NewlyCreated     *NewlyCreated     `json:"newlyCreated,omitempty"`
	AlreadyCertified *AlreadyCertified `json:"alreadyCertified,omitempty"`
}

// NewlyCreated describes a blob stored by this request
type NewlyCreated struct {
	BlobObject BlobObject `json:"blobObject"`
}

// BlobObject is the stored blob
type BlobObject struct {
	BlobID string `json:"blobId"`
	Size   int64  `json:"size"`
}

// AlreadyCertified describes a blob that was stored before
type AlreadyCertified struct {
	BlobID string `json:"blobId"`
}

// BlobID returns the id from whichever branch is set
func (r PutResponse) BlobID() string {
	switch {
	case r.NewlyCreated != nil:
		return r.NewlyCreated.BlobObject.BlobID
	case r.AlreadyCertified != nil:
		return r.AlreadyCertified.BlobID
	default:
		return ""
	}
}

// Client is one publisher or aggregator endpoint
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

var (
	_ domain.BlobWriter = (*Client)(nil)
	_ domain.BlobReader = (*Client)(nil)
)

// NewClient creates a client for the endpoint at baseURL. Deadlines come from the caller's context.
func NewClient(name, baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if name == "" {
		name = u.Host
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

// Name identifies the endpoint in logs and metrics
func (c *Client) Name() string { return c.name }

// Put stores data for the given number of epochs
func (c *Client) Put(ctx context.Context, data []byte, epochs int) (domain.BlobReference, error) {
	endpoint := c.baseURL + "/v1/blobs?epochs=" + strconv.Itoa(epochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return domain.BlobReference{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.BlobReference{}, fmt.Errorf("upload to %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.BlobReference{}, statusError(c.name, resp)
	}

	var out PutResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return domain.BlobReference{}, fmt.Errorf("failed to decode upload response from %s: %w", c.name, err)
	}
	id := out.BlobID()
	if id == "" {
		return domain.BlobReference{}, fmt.Errorf("upload response from %s carries no blob id", c.name)
	}
	return domain.BlobReference{
		ContentID: id,
		SizeBytes: int64(len(data)),
		TTLEpochs: epochs,
	}, nil
}

// Get fetches a blob. A 404 is a clean miss.
func (c *Client) Get(ctx context.Context, contentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blobs/"+url.PathEscape(contentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build read request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, domain.ErrBlobNotFound
	default:
		return nil, statusError(c.name, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", c.name, err)
	}
	if len(body) > MaxBlobBytes {
		return nil, fmt.Errorf("blob from %s exceeds %d bytes", c.name, MaxBlobBytes)
	}
	return body, nil
}

func statusError(name string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
}
