// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classifier calls the external phishing classification service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bcem/phishguard/internal/metrics"
)

// ErrUnavailable means the classifier could not be reached in time.
var ErrUnavailable = errors.New("classifier unavailable")

// Client issues one classification request per message.
type Client struct {
	httpClient *http.Client
	apiURL     string
	timeout    time.Duration
}

// NewClient creates a classifier client. timeout bounds each call end to end.
func NewClient(httpClient *http.Client, apiURL string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		apiURL:     apiURL,
		timeout:    timeout,
	}
}

type classifyRequest struct {
	Message string `json:"message"`
}

// Classify reports whether text is phishing. HTTP 200 means malicious; any
// other status means benign. Transport failures and timeouts return false
// with ErrUnavailable, so an unreachable classifier never causes action.
func (c *Client) Classify(ctx context.Context, text string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	body, err := json.Marshal(classifyRequest{Message: text})
	if err != nil {
		return false, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveClassifier("unavailable", time.Since(start))
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveClassifier("benign", time.Since(start))
		slog.Debug("classifier returned non-200, treating as benign",
			"status", resp.StatusCode,
		)
		return false, nil
	}

	metrics.ObserveClassifier("malicious", time.Since(start))
	return true, nil
}
