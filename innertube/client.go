// Package innertube speaks the unofficial web client surface of the upstream
// chat service: the live-chat fetch endpoint and the page scrapes that
// bootstrap a session. The protocol has no formal specification; request
// shapes and extraction patterns mirror what the web player actually sends.
package innertube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/chat-tender/auth"
)

const (
	defaultBaseURL = "https://www.youtube.com"

	// apiUserAgent is what the fetch endpoint expects; anything richer gets
	// served different payload shapes.
	apiUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	// browserUserAgent is sent on page navigations, which are fingerprinted
	// more aggressively than the API surface.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client issues authenticated requests against the upstream chat surface.
// Each polling session owns one Client; the embedded http.Client may be
// shared. APIKey and ClientVersion usually come from a page bootstrap, with
// configured values taking precedence.
type Client struct {
	APIKey        string
	ClientVersion string
	Credentials   auth.Credentials
	HTTPClient    *http.Client

	// BaseURL overrides the upstream origin, for tests.
	BaseURL string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return defaultBaseURL
}

// FetchResult is one decoded fetch response: the raw renderer-tagged action
// records, the next continuation token (empty at end of stream), and the
// server-suggested poll interval in milliseconds (zero when absent). Raw
// carries the unparsed body for the raw-response recorder.
type FetchResult struct {
	Actions      []json.RawMessage
	Continuation string
	TimeoutMs    int64
	Raw          []byte
}

// FetchLiveChat POSTs the current continuation token to the live-chat fetch
// endpoint and decodes the next batch. Non-2xx statuses return an
// *UpstreamError carrying the failure class.
func (c *Client) FetchLiveChat(ctx context.Context, token string) (*FetchResult, error) {
	if token == "" {
		return nil, fmt.Errorf("continuation token empty")
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("api key empty")
	}

	payload, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": c.ClientVersion,
			},
		},
		"continuation": token,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal fetch payload: %w", err)
	}

	endpoint := c.base() + "/youtubei/v1/live_chat/get_live_chat?key=" + url.QueryEscape(c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", apiUserAgent)
	if c.Credentials.Enabled() {
		if err := c.Credentials.Apply(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fetch response: %w", err)
	}
	return decodeFetchResponse(raw)
}

func decodeFetchResponse(raw []byte) (*FetchResult, error) {
	var body struct {
		ContinuationContents *struct {
			LiveChatContinuation struct {
				Actions       []json.RawMessage            `json:"actions"`
				Continuations []map[string]json.RawMessage `json:"continuations"`
			} `json:"liveChatContinuation"`
		} `json:"continuationContents"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}

	res := &FetchResult{Raw: raw}
	if body.ContinuationContents == nil {
		// Defined end of stream: the upstream stops returning continuation
		// contents once the broadcast is over.
		return res, nil
	}
	res.Actions = body.ContinuationContents.LiveChatContinuation.Actions
	res.Continuation, res.TimeoutMs = nextContinuation(body.ContinuationContents.LiveChatContinuation.Continuations)
	return res, nil
}

// nextContinuation picks the follow-up token out of the first continuation
// record. The upstream emits one of three wrapper shapes; invalidation data
// is preferred over timed over reload, matching the web player.
func nextContinuation(continuations []map[string]json.RawMessage) (string, int64) {
	if len(continuations) == 0 {
		return "", 0
	}
	first := continuations[0]
	for _, key := range []string{
		"invalidationContinuationData",
		"timedContinuationData",
		"reloadContinuationData",
	} {
		raw, ok := first[key]
		if !ok {
			continue
		}
		var data struct {
			Continuation string `json:"continuation"`
			TimeoutMs    int64  `json:"timeoutMs"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			slog.Debug("undecodable continuation record", slog.String("key", key), slog.Any("err", err))
			continue
		}
		if data.Continuation != "" {
			return data.Continuation, data.TimeoutMs
		}
	}
	return "", 0
}
