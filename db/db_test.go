package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/session"
)

// openTestDB connects to TEST_PG_DSN and drops any leftover schema, skipping
// the test when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	d, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	cleanDatabase(t, d)
	return d
}

func cleanDatabase(t *testing.T, d *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS sessions`,
		`DROP TABLE IF EXISTS kv`,
		`DROP TABLE IF EXISTS schema_migrations`,
	} {
		if _, err := d.Exec(stmt); err != nil {
			t.Fatalf("clean database: %v", err)
		}
	}
}

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewStoreRejectsBadKey(t *testing.T) {
	if _, err := NewStore(nil, "definitely-not-a-32-byte-key"); err == nil {
		t.Fatal("NewStore accepted a malformed encryption key")
	}
}

func TestStoreCheckpointRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewStore(d, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cp := session.Checkpoint{
		VideoID:       "vidstore0001",
		URL:           "https://www.youtube.com/watch?v=vidstore0001",
		Token:         "0ofMyATOKEN",
		Mode:          continuation.ModeAll,
		State:         "fetching",
		LastEventUsec: 1712345678901234,
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// A second save for the same video must replace, not duplicate.
	cp.State = "delivering"
	cp.Token = "0ofMyANEWER"
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint update: %v", err)
	}

	got, err := store.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(got))
	}
	g := got[0]
	if g.VideoID != cp.VideoID || g.URL != cp.URL || g.Token != "0ofMyANEWER" {
		t.Errorf("loaded = %+v", g)
	}
	if g.Mode != continuation.ModeAll {
		t.Errorf("Mode = %v, want all", g.Mode)
	}
	if g.State != "delivering" {
		t.Errorf("State = %q, want delivering", g.State)
	}
	if g.LastEventUsec != cp.LastEventUsec {
		t.Errorf("LastEventUsec = %d, want %d", g.LastEventUsec, cp.LastEventUsec)
	}
	if g.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not populated")
	}
	if g.Credentials.Enabled() {
		t.Error("credentials should be absent")
	}
}

func TestStoreSealsCredentials(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewStore(d, testKey(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cp := session.Checkpoint{
		VideoID: "vidsealed001",
		URL:     "https://www.youtube.com/watch?v=vidsealed001",
		Mode:    continuation.ModeTop,
		State:   "fetching",
		Credentials: auth.Credentials{
			SID:     "sid-value",
			SAPISID: "sapisid-value",
		},
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// The stored column must be ciphertext, never the cookie values.
	var raw string
	var version int
	err = d.QueryRow(`SELECT credentials, encryption_version FROM sessions WHERE video_id = $1`,
		cp.VideoID).Scan(&raw, &version)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if version != 1 {
		t.Errorf("encryption_version = %d, want 1", version)
	}
	if strings.Contains(raw, "sapisid-value") || strings.Contains(raw, "sid-value") {
		t.Error("credentials stored in plaintext despite encryption key")
	}

	got, err := store.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if len(got) != 1 || got[0].Credentials.SAPISID != "sapisid-value" || got[0].Credentials.SID != "sid-value" {
		t.Errorf("credentials did not round-trip: %+v", got)
	}
}

func TestStoreEncryptedRowWithoutKey(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sealed, err := NewStore(d, testKey(t))
	if err != nil {
		t.Fatalf("NewStore sealed: %v", err)
	}
	cp := session.Checkpoint{
		VideoID:     "vidnokey0001",
		URL:         "https://www.youtube.com/watch?v=vidnokey0001",
		Mode:        continuation.ModeTop,
		State:       "fetching",
		Credentials: auth.Credentials{SAPISID: "secret"},
	}
	if err := sealed.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// A store without the key still loads the row; only the credentials are
	// dropped.
	plain, err := NewStore(d, "")
	if err != nil {
		t.Fatalf("NewStore plain: %v", err)
	}
	got, err := plain.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(got))
	}
	if got[0].Credentials.Enabled() {
		t.Error("credentials should not survive without the key")
	}
	if got[0].VideoID != "vidnokey0001" || got[0].State != "fetching" {
		t.Errorf("row fields lost: %+v", got[0])
	}
}

func TestStoreKV(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewStore(d, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if v, err := store.GetKV(ctx, "innertube_api_key"); err != nil || v != "" {
		t.Fatalf("GetKV missing = %q, %v; want empty, nil", v, err)
	}
	if err := store.SetKV(ctx, "innertube_api_key", "first"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := store.SetKV(ctx, "innertube_api_key", "second"); err != nil {
		t.Fatalf("SetKV update: %v", err)
	}
	if v, err := store.GetKV(ctx, "innertube_api_key"); err != nil || v != "second" {
		t.Fatalf("GetKV = %q, %v; want second", v, err)
	}
}
