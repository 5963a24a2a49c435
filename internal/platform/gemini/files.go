package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/phrazzld/genqueue/internal/handlers"
)

type inputFile struct {
	data     []byte
	mimeType string
}

// fetch downloads an input file. A declared MIME type wins over the
// Content-Type header, which wins over sniffing.
func (c *Client) fetch(ctx context.Context, rawURL, declaredType string) (*inputFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid file URL: %v", handlers.ErrUnsupportedInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: file URL scheme %q is not http or https", handlers.ErrUnsupportedInput, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid file URL: %v", handlers.ErrUnsupportedInput, err)
	}

	resp, err := c.files.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, fmt.Errorf("%w: file host is not reachable from workers", handlers.ErrUnsupportedInput)
		}
		return nil, fmt.Errorf("fetch input file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: input file unavailable (%d)", handlers.ErrUnsupportedInput, resp.StatusCode)
	default:
		return nil, fmt.Errorf("fetch input file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	if int64(len(data)) > c.config.MaxFileBytes {
		return nil, fmt.Errorf("%w: input file exceeds %d bytes", handlers.ErrUnsupportedInput, c.config.MaxFileBytes)
	}

	mimeType := normalizeMIME(declaredType)
	if mimeType == "" {
		mimeType = normalizeMIME(resp.Header.Get("Content-Type"))
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMIME(http.DetectContentType(data))
	}

	return &inputFile{data: data, mimeType: mimeType}, nil
}

// normalizeMIME strips parameters and lowercases a media type.
func normalizeMIME(v string) string {
	if v == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mediaType
}
