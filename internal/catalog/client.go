// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// HTTPBrowser browses a remote media catalog over its HTTP API.
type HTTPBrowser struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBrowser creates a browser for the catalog at baseURL.
func NewHTTPBrowser(baseURL string, timeout time.Duration) *HTTPBrowser {
	return &HTTPBrowser{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// browseResponse is the catalog's folder listing payload.
type browseResponse struct {
	Children []Entry `json:"children"`
}

// Browse lists the children of a catalog path. A 404 maps to
// ErrPathNotFound; transport failures and server errors map to
// ErrCatalogUnavailable so the caller can distinguish "no folder yet"
// from "catalog down".
func (b *HTTPBrowser) Browse(ctx context.Context, path string) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/api/v1/browse?path=%s", b.baseURL, url.QueryEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build browse request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrPathNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: catalog returned %d", ErrCatalogUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("browse %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrCatalogUnavailable, err)
	}

	var payload browseResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode browse response: %w", err)
	}
	return payload.Children, nil
}
