package innertube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/onnwee/chat-tender/continuation"
)

// Page extraction patterns, lifted from what the web player embeds in its
// initial HTML. The token layout inside the page is not guaranteed; these
// patterns are empirical and may drift with the upstream.
var (
	reAPIKey        = regexp.MustCompile(`['"]INNERTUBE_API_KEY['"]:\s*['"](.+?)['"]`)
	reClientVersion = regexp.MustCompile(`['"]INNERTUBE_CLIENT_VERSION['"]:\s*['"](.+?)['"]`)
	reContinuation  = regexp.MustCompile(`['"]continuation['"]:\s*['"](.+?)['"]`)
	reIsReplay      = regexp.MustCompile(`['"]isReplay['"]:\s*true`)
	reCanonical     = regexp.MustCompile(`<link rel="canonical" href="https://www\.youtube\.com/watch\?v=(.+?)">`)
	reReloadToken   = regexp.MustCompile(`['"]reloadContinuationData['"]:\s*\{\s*['"]continuation['"]:\s*['"](.+?)['"]`)
	reChannelID     = regexp.MustCompile(`['"]externalChannelId['"]:\s*['"](UC[0-9A-Za-z_-]{22})['"]`)
)

// Bootstrap is everything a page scrape yields to start or re-arm a session.
type Bootstrap struct {
	VideoID       string
	APIKey        string
	ClientVersion string
	// Continuation is the initial Main token. First-obtained tokens may lack
	// the embedded mode marker; see the continuation package.
	Continuation string
	IsReplay     bool
	ChannelID    string
	// ReloadTokens are the per-mode view-switch tokens from the chat frame's
	// mode menu, usable only for minting a fresh Main token via ResolveReload.
	ReloadTokens map[continuation.Mode]string
}

// ResolvePage scrapes a watch or live_chat page for the session bootstrap
// material. With credentials present the popout chat page is fetched
// directly (member-only streams render chat only there) and only the Cookie
// header rides along; page navigations never carry an Authorization header.
func (c *Client) ResolvePage(ctx context.Context, rawURL string) (*Bootstrap, error) {
	videoID := VideoIDFromURL(rawURL)
	fetchURL := rawURL
	authed := c.Credentials.Enabled()
	if authed && videoID != "" {
		fetchURL = c.base() + "/live_chat?is_popout=1&v=" + url.QueryEscape(videoID)
	}

	html, err := c.fetchPage(ctx, fetchURL, authed)
	if err != nil {
		return nil, err
	}

	b := extractBootstrap(html)
	if b.VideoID == "" {
		// Popout chat pages carry no canonical link; fall back to the URL.
		b.VideoID = videoID
	}
	if b.Continuation == "" {
		return nil, fmt.Errorf("continuation not found in page")
	}
	if b.APIKey == "" && c.APIKey == "" {
		return nil, fmt.Errorf("api key not found in page")
	}
	if b.ClientVersion == "" && c.ClientVersion == "" {
		return nil, fmt.Errorf("client version not found in page")
	}
	if b.VideoID == "" {
		return nil, fmt.Errorf("video id not found in page or url")
	}
	c.adoptIdentity(b)
	return b, nil
}

// ResolveReload re-scrapes the chat frame using a Reload token to mint a
// fresh Main token, already carrying the mode the Reload token encodes.
func (c *Client) ResolveReload(ctx context.Context, reloadToken string) (*Bootstrap, error) {
	if reloadToken == "" {
		return nil, fmt.Errorf("reload token empty")
	}
	u := c.base() + "/live_chat?continuation=" + url.QueryEscape(reloadToken)
	html, err := c.fetchPage(ctx, u, c.Credentials.Enabled())
	if err != nil {
		return nil, err
	}
	b := extractBootstrap(html)
	if b.Continuation == "" {
		return nil, fmt.Errorf("continuation not found in reloaded page")
	}
	c.adoptIdentity(b)
	return b, nil
}

// adoptIdentity backfills an unconfigured client with the identity a page
// scrape yielded, so follow-up fetch calls need no second scrape. Configured
// values always win.
func (c *Client) adoptIdentity(b *Bootstrap) {
	if c.APIKey == "" {
		c.APIKey = b.APIKey
	}
	if c.ClientVersion == "" {
		c.ClientVersion = b.ClientVersion
	}
}

func (c *Client) fetchPage(ctx context.Context, pageURL string, withCookies bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.7,en;q=0.3")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Sec-Fetch-User", "?1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	if withCookies {
		cookie, err := c.Credentials.CookieHeader()
		if err != nil {
			return "", err
		}
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", upstreamError(resp)
	}
	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(html), nil
}

func extractBootstrap(html string) *Bootstrap {
	b := &Bootstrap{
		APIKey:        firstMatch(reAPIKey, html),
		ClientVersion: firstMatch(reClientVersion, html),
		Continuation:  cleanToken(firstMatch(reContinuation, html)),
		IsReplay:      reIsReplay.MatchString(html),
		VideoID:       firstMatch(reCanonical, html),
		ChannelID:     firstMatch(reChannelID, html),
	}

	// The chat frame's mode menu lists its view-switch entries in a fixed
	// order: the filtered view first, then the unfiltered one.
	reloads := reReloadToken.FindAllStringSubmatch(html, 2)
	if len(reloads) > 0 {
		b.ReloadTokens = make(map[continuation.Mode]string, 2)
		b.ReloadTokens[continuation.ModeTop] = cleanToken(reloads[0][1])
		if len(reloads) > 1 {
			b.ReloadTokens[continuation.ModeAll] = cleanToken(reloads[1][1])
		}
	}
	return b
}

func firstMatch(re *regexp.Regexp, html string) string {
	m := re.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// cleanToken undoes the escaping tokens pick up from being embedded in page
// JSON: unicode-escaped padding and, on some paths, percent-encoding.
func cleanToken(token string) string {
	token = strings.ReplaceAll(token, `\u003d`, "=")
	if strings.Contains(token, "%") {
		if unescaped, err := url.QueryUnescape(token); err == nil {
			token = unescaped
		}
	}
	return token
}

// VideoIDFromURL pulls the video id out of the URL forms users paste:
// watch?v=, youtu.be/, live/, and live_chat?v=.
func VideoIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	if strings.HasSuffix(u.Host, "youtu.be") {
		return strings.Trim(u.Path, "/")
	}
	if rest, ok := strings.CutPrefix(u.Path, "/live/"); ok {
		id, _, _ := strings.Cut(rest, "/")
		return id
	}
	return ""
}
