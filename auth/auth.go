// Package auth assembles the cookie and SAPISIDHASH material that
// authenticated upstream requests require. Credentials never leave this
// package except as outbound request headers; nothing here logs them.
package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Origin is the value signed into every SAPISIDHASH and sent in the Origin
// and X-Origin headers. The upstream rejects signatures computed over any
// other origin.
const Origin = "https://www.youtube.com"

// ErrMissingCredential reports that no SAPISID is available, so no
// authorization header can be produced.
var ErrMissingCredential = errors.New("auth: missing SAPISID credential")

// Credentials holds the five session cookies an authenticated fetch needs,
// or alternatively a raw Cookie header captured verbatim from a browser.
// RawCookie takes precedence over the individual fields when set.
type Credentials struct {
	SID       string
	HSID      string
	SSID      string
	APISID    string
	SAPISID   string
	RawCookie string
}

// Enabled reports whether the credentials can authenticate a request. A raw
// cookie counts only when it actually carries a SAPISID pair, since that is
// the one cookie the signature is derived from.
func (c Credentials) Enabled() bool {
	if c.RawCookie != "" {
		return strings.Contains(c.RawCookie, "SAPISID=")
	}
	return c.SAPISID != ""
}

// CookieHeader renders the Cookie header value. Individual cookies are
// joined in the order the upstream browsers send them; empty fields are
// skipped.
func (c Credentials) CookieHeader() (string, error) {
	if c.RawCookie != "" {
		if !strings.Contains(c.RawCookie, "SAPISID=") {
			return "", ErrMissingCredential
		}
		return c.RawCookie, nil
	}
	if c.SAPISID == "" {
		return "", ErrMissingCredential
	}
	pairs := make([]string, 0, 5)
	for _, p := range []struct{ name, val string }{
		{"SID", c.SID},
		{"HSID", c.HSID},
		{"SSID", c.SSID},
		{"APISID", c.APISID},
		{"SAPISID", c.SAPISID},
	} {
		if p.val != "" {
			pairs = append(pairs, p.name+"="+p.val)
		}
	}
	return strings.Join(pairs, "; "), nil
}

// sapisid returns the cookie value the signature is computed from.
func (c Credentials) sapisid() (string, error) {
	if c.RawCookie != "" {
		for _, part := range strings.Split(c.RawCookie, ";") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, "SAPISID="); ok && v != "" {
				return v, nil
			}
		}
		return "", ErrMissingCredential
	}
	if c.SAPISID == "" {
		return "", ErrMissingCredential
	}
	return c.SAPISID, nil
}

// Sign computes the SAPISIDHASH payload for a given unix timestamp:
// "{ts}_{hex sha1("{ts} {sapisid} {origin}")}". Exposed separately so the
// signature scheme is testable against known vectors.
func Sign(ts int64, sapisid, origin string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d %s %s", ts, sapisid, origin)))
	return fmt.Sprintf("%d_%s", ts, hex.EncodeToString(sum[:]))
}

// Authorization renders the Authorization header value for the given moment.
// Signatures embed the timestamp, so every request gets a fresh one.
func (c Credentials) Authorization(now time.Time) (string, error) {
	sapisid, err := c.sapisid()
	if err != nil {
		return "", err
	}
	return "SAPISIDHASH " + Sign(now.Unix(), sapisid, Origin), nil
}

// Apply stamps the four authentication headers onto req. It is a no-op
// error when credentials are absent; callers decide whether anonymous
// operation is acceptable.
func (c Credentials) Apply(req *http.Request) error {
	authz, err := c.Authorization(time.Now())
	if err != nil {
		return err
	}
	cookie, err := c.CookieHeader()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("Cookie", cookie)
	req.Header.Set("X-Origin", Origin)
	req.Header.Set("Origin", Origin)
	return nil
}
