// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultUploadURL = "https://app.layoutdiff.com"

	uploadConcurrency = 4
	maxLoggedBody     = 1024
)

// UploadResult is the outcome of one delivered file.
type UploadResult struct {
	File       string `json:"file"`
	StatusCode int    `json:"status_code"`
	Response   string `json:"response"`
}

// UploadReport summarises a screenshot upload. Errors never abort a run.
type UploadReport struct {
	Attempted int            `json:"attempted"`
	Uploaded  []UploadResult `json:"uploaded"`
	Errors    []error        `json:"-"`
}

// Err joins every failure, or returns nil.
func (r UploadReport) Err() error { return errors.Join(r.Errors...) }

// ScreenshotUploader posts screenshot files to the image upload endpoint.
type ScreenshotUploader struct {
	env         Env
	client      *http.Client
	baseURL     string
	concurrency int
}

// NewScreenshotUploader returns an uploader for baseURL; empty means
// DefaultUploadURL.
func NewScreenshotUploader(env Env, baseURL string) *ScreenshotUploader {
	if baseURL == "" {
		baseURL = DefaultUploadURL
	}
	return &ScreenshotUploader{
		env:         env,
		client:      &http.Client{Timeout: 60 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		concurrency: uploadConcurrency,
	}
}

func (u *ScreenshotUploader) endpoint(token, ref string) string {
	return fmt.Sprintf("%s/images/upload/%s/%s", u.baseURL, url.PathEscape(token), url.PathEscape(ref))
}

// Upload sends every regular file in dir. A directory that cannot be read is
// logged and recorded in the report; the upload is then skipped.
func (u *ScreenshotUploader) Upload(ctx context.Context, cfg UploadConfig) UploadReport {
	ctx, span := startSpan(ctx, u.env, "avd.UploadScreenshots",
		attribute.String("screenshots_path", cfg.ScreenshotsPath),
		attribute.String("ref", cfg.Ref),
	)
	defer span.End()

	var report UploadReport
	logEvent(ctx, u.env, "sending screenshots", "path", cfg.ScreenshotsPath, "ref", cfg.Ref)

	entries, err := os.ReadDir(cfg.ScreenshotsPath)
	if err != nil {
		uerr := &UploadError{File: cfg.ScreenshotsPath, Err: fmt.Errorf("list screenshots: %w", err)}
		report.Errors = append(report.Errors, uerr)
		recordSpanError(span, uerr)
		logWarning(ctx, u.env, "screenshot upload skipped", "path", cfg.ScreenshotsPath, "error", uerr)
		return report
	}

	target := u.endpoint(cfg.ProjectToken, cfg.Ref)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.ScreenshotsPath, entry.Name())
		report.Attempted++
		g.Go(func() error {
			res, err := u.uploadFile(ctx, target, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, err)
				logWarning(ctx, u.env, "screenshot upload failed", "file", path, "error", err)
				return nil
			}
			report.Uploaded = append(report.Uploaded, res)
			logEvent(ctx, u.env, "screenshot uploaded", "file", path, "status", res.StatusCode, "response", res.Response)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("attempted", report.Attempted),
		attribute.Int("uploaded", len(report.Uploaded)),
		attribute.Int("failed", len(report.Errors)),
	)
	if err := report.Err(); err != nil {
		recordSpanError(span, err)
	}
	return report
}

func (u *ScreenshotUploader) uploadFile(ctx context.Context, target, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}
	n, err := io.Copy(part, f)
	if err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if u.env.CorrelationID != "" {
		req.Header.Set("X-Request-Id", u.env.CorrelationID)
	}

	logDebug(ctx, u.env, "sending file", "file", path, "size", units.HumanSize(float64(n)))
	resp, err := u.client.Do(req)
	if err != nil {
		return UploadResult{}, &UploadError{File: path, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	text := strings.TrimSpace(string(respBody))
	if resp.StatusCode >= http.StatusBadRequest {
		return UploadResult{}, &UploadError{File: path, StatusCode: resp.StatusCode, Err: errors.New(text)}
	}
	return UploadResult{File: path, StatusCode: resp.StatusCode, Response: text}, nil
}
