// Package client talks to the import service on behalf of the embedding page
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/stl-import/internal/api/dto"
	"github.com/cuongbtq/stl-import/internal/registry"
)

// ErrNotFound is returned when the service does not know an import
var ErrNotFound = errors.New("import not found")

// APIError is a non-2xx response from the import service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("import service returned HTTP %d", e.StatusCode)
	}
	return e.Message
}

// Config configures a Client
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// Client calls the HTTP surface of the import service
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client for the service at cfg.BaseURL
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid import service url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{base: base, http: httpClient, logger: logger}, nil
}

// ImportParams describes a server-mediated import
type ImportParams struct {
	Source   string
	FileName string
	Metadata map[string]any
}

// ImportURL asks the service to fetch and decode a remote model
func (c *Client) ImportURL(ctx context.Context, stlURL string, params ImportParams) (*registry.Job, error) {
	body, err := json.Marshal(dto.ImportURLRequest{
		StlURL:   stlURL,
		FileName: params.FileName,
		Source:   params.Source,
		Metadata: params.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode import request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/import-stl"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doImport(req)
}

// Upload sends raw model bytes to the service as a multipart upload
func (c *Client) Upload(ctx context.Context, data []byte, params ImportParams) (*registry.Job, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := params.FileName
	if name == "" {
		name = "model.stl"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	fields := map[string]string{"fileName": params.FileName, "source": params.Source}
	if len(params.Metadata) > 0 {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		fields["metadata"] = string(raw)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload"), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.doImport(req)
}

// GetImport fetches the current snapshot of an import
func (c *Client) GetImport(ctx context.Context, importID string) (*registry.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/imports/"+url.PathEscape(importID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.doImport(req)
}

// CancelImport asks the service to abandon an in-flight import
func (c *Client) CancelImport(ctx context.Context, importID string) (*registry.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/imports/"+url.PathEscape(importID)+"/cancel"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.doImport(req)
}

// ArtifactURL resolves a job's file reference against the service address
func (c *Client) ArtifactURL(filePath string) string {
	ref, err := url.Parse(filePath)
	if err != nil {
		return filePath
	}
	return c.base.ResolveReference(ref).String()
}

// UploadURL is the endpoint announced in stl-upload-ready
func (c *Client) UploadURL() string {
	return c.endpoint("/upload")
}

// RealtimeURL is the websocket endpoint of the realtime channel
func (c *Client) RealtimeURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

func (c *Client) doImport(req *http.Request) (*registry.Job, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call import service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read import service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e dto.ErrorResponse
		_ = json.Unmarshal(raw, &e)
		c.logger.Warn("Import service request failed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("error", e.Error),
		)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return nil, apiErr
	}

	var out dto.ImportResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode import service response: %w", err)
	}
	if out.Job == nil {
		return nil, fmt.Errorf("import service response has no job")
	}
	return out.Job, nil
}
