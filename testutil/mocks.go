// Package testutil provides shared mock servers: a scriptable stand-in for
// the upstream chat service (watch pages plus the live-chat fetch endpoint)
// and a minimal Data API v3 videos endpoint. Both are stdlib-only so any
// package's tests can import them.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// PageConfig describes the identity and tokens a served watch or popout page
// embeds. Field order in the rendered markup matches real pages: the main
// continuation precedes the mode menu's reload entries.
type PageConfig struct {
	VideoID       string
	APIKey        string
	ClientVersion string
	Continuation  string
	ChannelID     string
	IsReplay      bool
	ReloadTop     string
	ReloadAll     string
}

// HTML renders the trimmed page markup the bootstrap extraction patterns
// expect.
func (p PageConfig) HTML() string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head>\n")
	if p.VideoID != "" {
		fmt.Fprintf(&b, "<link rel=\"canonical\" href=\"https://www.youtube.com/watch?v=%s\">\n", p.VideoID)
	}
	fmt.Fprintf(&b, `<script>ytcfg.set({"INNERTUBE_API_KEY":%q,"INNERTUBE_CLIENT_VERSION":%q});</script>`, p.APIKey, p.ClientVersion)
	b.WriteString("\n</head><body><script>\nwindow[\"ytInitialData\"] = {")
	if p.IsReplay {
		b.WriteString(`"isReplay":true,`)
	}
	fmt.Fprintf(&b, `"continuations":[{"invalidationContinuationData":{"continuation":%q,"timeoutMs":0}}]`, p.Continuation)
	var reloads []string
	if p.ReloadTop != "" {
		reloads = append(reloads, fmt.Sprintf(`{"title":"Top chat","continuation":{"reloadContinuationData":{"continuation":%q,"clickTrackingParams":"x"}}}`, p.ReloadTop))
	}
	if p.ReloadAll != "" {
		reloads = append(reloads, fmt.Sprintf(`{"title":"Live chat","continuation":{"reloadContinuationData":{"continuation":%q,"clickTrackingParams":"y"}}}`, p.ReloadAll))
	}
	if len(reloads) > 0 {
		b.WriteString(`,"subMenuItems":[` + strings.Join(reloads, ",") + `]`)
	}
	if p.ChannelID != "" {
		fmt.Fprintf(&b, `,"participant":{"externalChannelId":%q}`, p.ChannelID)
	}
	b.WriteString("};\n</script></body></html>")
	return b.String()
}

// FetchResponse scripts one get_live_chat reply.
type FetchResponse struct {
	Actions      []json.RawMessage
	Continuation string
	TimeoutMs    int64
	// Status, when non-zero, is served instead of a body.
	Status int
	// EndOfStream omits continuationContents entirely, the upstream's way of
	// saying the broadcast is over.
	EndOfStream bool
}

func (f FetchResponse) body() map[string]any {
	if f.EndOfStream {
		return map[string]any{"responseContext": map[string]any{}}
	}
	continuations := []map[string]any{}
	if f.Continuation != "" {
		continuations = append(continuations, map[string]any{
			"invalidationContinuationData": map[string]any{
				"continuation": f.Continuation,
				"timeoutMs":    f.TimeoutMs,
			},
		})
	}
	actions := f.Actions
	if actions == nil {
		actions = []json.RawMessage{}
	}
	return map[string]any{
		"continuationContents": map[string]any{
			"liveChatContinuation": map[string]any{
				"actions":       actions,
				"continuations": continuations,
			},
		},
	}
}

// MockUpstream emulates the upstream chat service well enough for the real
// wire client: GET /watch and /live_chat serve the configured page, POST
// /youtubei/v1/live_chat/get_live_chat consumes the scripted reply queue. An
// exhausted queue serves end-of-stream.
type MockUpstream struct {
	*httptest.Server

	mu         sync.Mutex
	page       PageConfig
	queue      []FetchResponse
	fetchCalls int
	pageCalls  int
}

// NewMockUpstream starts the server and registers its shutdown with t.
func NewMockUpstream(t *testing.T, page PageConfig) *MockUpstream {
	t.Helper()
	m := &MockUpstream{page: page}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/youtubei/v1/live_chat/get_live_chat"):
			m.handleFetch(w, r)
		case r.URL.Path == "/watch" || r.URL.Path == "/live_chat":
			m.handlePage(w)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// WatchURL returns the watch page URL for the configured video.
func (m *MockUpstream) WatchURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Server.URL + "/watch?v=" + m.page.VideoID
}

// SetPage swaps the served page, for reload and re-bootstrap scripts.
func (m *MockUpstream) SetPage(page PageConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.page = page
}

// EnqueueFetch appends one scripted fetch reply.
func (m *MockUpstream) EnqueueFetch(res FetchResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, res)
}

// FetchCalls counts get_live_chat requests served so far.
func (m *MockUpstream) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// PageCalls counts page requests served so far.
func (m *MockUpstream) PageCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageCalls
}

func (m *MockUpstream) handlePage(w http.ResponseWriter) {
	m.mu.Lock()
	m.pageCalls++
	p := m.page
	m.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, p.HTML())
}

func (m *MockUpstream) handleFetch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.fetchCalls++
	var res FetchResponse
	if len(m.queue) > 0 {
		res = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		res = FetchResponse{EndOfStream: true}
	}
	m.mu.Unlock()

	if r.URL.Query().Get("key") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if res.Status != 0 && res.Status != http.StatusOK {
		w.WriteHeader(res.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res.body()) //nolint:errcheck // test mock response
}

// TextMessageAction renders the addChatItemAction wrapper around one plain
// text message, the way the fetch endpoint delivers it.
func TextMessageAction(id, author, text string, usec int64) json.RawMessage {
	action := map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatTextMessageRenderer": map[string]any{
					"id":            id,
					"timestampUsec": strconv.FormatInt(usec, 10),
					"authorName":    map[string]any{"simpleText": author},
					"message":       map[string]any{"runs": []map[string]any{{"text": text}}},
				},
			},
		},
	}
	raw, _ := json.Marshal(action)
	return raw
}

// MockDataAPI serves the Data API v3 videos.list endpoint with fixed items,
// counting requests so cache behavior can be asserted.
type MockDataAPI struct {
	*httptest.Server

	mu    sync.Mutex
	items []map[string]any
	calls int
}

// NewMockDataAPI starts the server and registers its shutdown with t.
func NewMockDataAPI(t *testing.T, items ...map[string]any) *MockDataAPI {
	t.Helper()
	m := &MockDataAPI{items: items}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/videos") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.mu.Lock()
		m.calls++
		items := m.items
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items}) //nolint:errcheck // test mock response
	}))
	t.Cleanup(m.Close)
	return m
}

// SetItems swaps the served items.
func (m *MockDataAPI) SetItems(items ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
}

// Calls counts videos.list requests served so far.
func (m *MockDataAPI) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
