package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	tests := []struct {
		name    string
		ts      int64
		sapisid string
		want    string
	}{
		{
			name:    "known vector",
			ts:      1704067200,
			sapisid: "TESTSAPISID",
			want:    "1704067200_cd2d81fe46b88de623d0e9fd8ffd0f9f5a9e78d6",
		},
		{
			name:    "different sapisid",
			ts:      1704067200,
			sapisid: "ABCDEFGHIJKLMNOP",
			want:    "1704067200_582b3cd573f1e1a739fedcf8eff944cfbf146f3f",
		},
		{
			name:    "different timestamp",
			ts:      1700000000,
			sapisid: "TESTSAPISID",
			want:    "1700000000_3319c4b546005e1d33292bf2545310df9352741f",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sign(tt.ts, tt.sapisid, Origin)
			if got != tt.want {
				t.Errorf("Sign = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCookieHeader(t *testing.T) {
	full := Credentials{
		SID: "s", HSID: "h", SSID: "ss", APISID: "a", SAPISID: "sa",
	}
	got, err := full.CookieHeader()
	if err != nil {
		t.Fatal(err)
	}
	want := "SID=s; HSID=h; SSID=ss; APISID=a; SAPISID=sa"
	if got != want {
		t.Errorf("CookieHeader = %q, want %q", got, want)
	}

	partial := Credentials{SAPISID: "sa"}
	got, err = partial.CookieHeader()
	if err != nil {
		t.Fatal(err)
	}
	if got != "SAPISID=sa" {
		t.Errorf("CookieHeader = %q, want %q", got, "SAPISID=sa")
	}

	if _, err := (Credentials{SID: "s"}).CookieHeader(); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("CookieHeader without SAPISID: err = %v, want ErrMissingCredential", err)
	}
}

func TestRawCookiePrecedence(t *testing.T) {
	c := Credentials{
		SAPISID:   "from-fields",
		RawCookie: "PREF=x; SAPISID=from-raw; OTHER=y",
	}
	header, err := c.CookieHeader()
	if err != nil {
		t.Fatal(err)
	}
	if header != c.RawCookie {
		t.Errorf("CookieHeader = %q, want raw cookie verbatim", header)
	}

	id, err := c.sapisid()
	if err != nil {
		t.Fatal(err)
	}
	if id != "from-raw" {
		t.Errorf("sapisid = %q, want %q", id, "from-raw")
	}
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name string
		c    Credentials
		want bool
	}{
		{"empty", Credentials{}, false},
		{"sapisid only", Credentials{SAPISID: "x"}, true},
		{"other fields only", Credentials{SID: "x", HSID: "y"}, false},
		{"raw with sapisid", Credentials{RawCookie: "A=1; SAPISID=x"}, true},
		{"raw without sapisid", Credentials{RawCookie: "A=1; B=2"}, false},
		{"raw overrides fields", Credentials{SAPISID: "x", RawCookie: "A=1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Enabled(); got != tt.want {
				t.Errorf("Enabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	c := Credentials{
		SID: "s", HSID: "h", SSID: "ss", APISID: "a", SAPISID: "TESTSAPISID",
	}
	req, err := http.NewRequest(http.MethodPost, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now().Unix()
	if err := c.Apply(req); err != nil {
		t.Fatal(err)
	}
	after := time.Now().Unix()

	authz := req.Header.Get("Authorization")
	rest, ok := strings.CutPrefix(authz, "SAPISIDHASH ")
	if !ok {
		t.Fatalf("Authorization = %q, want SAPISIDHASH prefix", authz)
	}
	tsStr, _, ok := strings.Cut(rest, "_")
	if !ok {
		t.Fatalf("Authorization payload %q missing timestamp separator", rest)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if ts < before || ts > after {
		t.Errorf("signature timestamp %d outside [%d, %d]", ts, before, after)
	}
	if want := Sign(ts, "TESTSAPISID", Origin); rest != want {
		t.Errorf("Authorization payload = %q, want %q", rest, want)
	}

	if got := req.Header.Get("Cookie"); !strings.Contains(got, "SAPISID=TESTSAPISID") {
		t.Errorf("Cookie = %q, missing SAPISID pair", got)
	}
	if got := req.Header.Get("X-Origin"); got != Origin {
		t.Errorf("X-Origin = %q, want %q", got, Origin)
	}
	if got := req.Header.Get("Origin"); got != Origin {
		t.Errorf("Origin = %q, want %q", got, Origin)
	}
}

func TestApplyWithoutCredentials(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := (Credentials{}).Apply(req); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Apply err = %v, want ErrMissingCredential", err)
	}
	if len(req.Header) != 0 {
		t.Errorf("headers set despite error: %v", req.Header)
	}
}
