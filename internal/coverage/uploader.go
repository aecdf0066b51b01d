// Package coverage publishes coverage reports to an HTTP endpoint.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"matrixci/internal/core"
)

// ErrNoEndpoint is returned when no upload URL is configured.
var ErrNoEndpoint = errors.New("coverage: no upload endpoint configured")

// Uploader PUTs report files to {BaseURL}/{job}/{file}.
type Uploader struct {
	BaseURL string
	Client  *http.Client
}

// NewUploader returns an uploader for baseURL.
func NewUploader(baseURL string) *Uploader {
	return &Uploader{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

var _ core.CoverageUploader = (*Uploader)(nil)

// Upload sends the report file. The token, when set, is sent as a bearer
// credential.
func (u *Uploader) Upload(ctx context.Context, report core.CoverageReport) error {
	if u.BaseURL == "" {
		return ErrNoEndpoint
	}
	f, err := os.Open(report.Path)
	if err != nil {
		return fmt.Errorf("coverage: open report: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("coverage: stat report: %w", err)
	}

	target := u.BaseURL + "/" + url.PathEscape(report.Job) + "/" + url.PathEscape(filepath.Base(report.Path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType(report.Path))
	if report.Token != "" {
		req.Header.Set("Authorization", "Bearer "+report.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("coverage: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("coverage: upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".info", ".lcov", ".txt", ".out":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
