// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxFrameBytes bounds a single still frame read. Reolink cameras
// produce frames well under this even at full resolution.
const maxFrameBytes = 8 << 20

// HTTPCamera fetches still frames from the NVR's snapshot endpoint.
type HTTPCamera struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCamera creates a camera client against the NVR at baseURL.
func NewHTTPCamera(baseURL string, timeout time.Duration) *HTTPCamera {
	return &HTTPCamera{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// StillFrame requests the latest frame for the named camera.
func (c *HTTPCamera) StillFrame(ctx context.Context, cameraName string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/v1/snapshot?camera=%s", c.baseURL, url.QueryEscape(cameraName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch still frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot for %s: unexpected status %d", cameraName, resp.StatusCode)
	}

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("read still frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("snapshot for %s: empty frame", cameraName)
	}
	return frame, nil
}
