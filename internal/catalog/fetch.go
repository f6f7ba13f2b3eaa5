package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxDocumentSize = 10 * 1024 * 1024 // 10 MB

// IsRemote reports whether source is an http(s) URL rather than a file.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Fetch reads the raw catalog document from a file path or an http(s) URL.
func Fetch(ctx context.Context, source string, timeout time.Duration) ([]byte, error) {
	if !IsRemote(source) {
		raw, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("reading catalog file: %w", err)
		}
		if len(raw) > maxDocumentSize {
			return nil, fmt.Errorf("catalog file too large (exceeds %d bytes)", maxDocumentSize)
		}
		return raw, nil
	}

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, source)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(raw) > maxDocumentSize {
		return nil, fmt.Errorf("response body too large (exceeds %d bytes)", maxDocumentSize)
	}
	return raw, nil
}
