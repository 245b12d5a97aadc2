// Package db provides the Postgres connection, schema migration, and the
// checkpoint store polling sessions persist through. Events never land here;
// the NDJSON archive owns those. The schema is two tables: sessions (one row
// per broadcast, upserted on every checkpoint) and kv (scraped-identity
// cache).
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/crypto"
	"github.com/onnwee/chat-tender/session"
)

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.PingContext(pctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return d, nil
}

// Migrate applies the schema as plain idempotent statements. It is the
// fallback for environments where the versioned migrations cannot run (see
// RunMigrations); both paths produce the same schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			video_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			continuation TEXT,
			mode TEXT NOT NULL DEFAULT 'top',
			state TEXT NOT NULL,
			last_event_usec BIGINT DEFAULT 0,
			credentials TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

// Store persists session checkpoints and the identity kv cache. It
// implements session.Store.
type Store struct {
	db  *sql.DB
	enc crypto.Encryptor // nil stores credentials in plaintext
}

var _ session.Store = (*Store)(nil)

// NewStore wires a checkpoint store over db. With an empty encryptionKey the
// credentials column holds plaintext and a warning is logged; a malformed key
// is refused outright rather than silently downgrading.
func NewStore(db *sql.DB, encryptionKey string) (*Store, error) {
	s := &Store{db: db}
	if encryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set; checkpoint credentials will be stored in plaintext",
			slog.String("component", "db"))
		return s, nil
	}
	enc, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init credential encryption: %w", err)
	}
	s.enc = enc
	slog.Info("checkpoint credential encryption enabled", slog.String("component", "db"))
	return s, nil
}

// SaveCheckpoint upserts one broadcast's durable remainder.
func (s *Store) SaveCheckpoint(ctx context.Context, cp session.Checkpoint) error {
	creds, version, err := s.sealCredentials(cp.Credentials)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	const q = `INSERT INTO sessions (video_id, url, continuation, mode, state, last_event_usec, credentials, encryption_version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (video_id) DO UPDATE SET
			url = EXCLUDED.url,
			continuation = EXCLUDED.continuation,
			mode = EXCLUDED.mode,
			state = EXCLUDED.state,
			last_event_usec = EXCLUDED.last_event_usec,
			credentials = EXCLUDED.credentials,
			encryption_version = EXCLUDED.encryption_version,
			updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q,
		cp.VideoID, cp.URL, cp.Token, cp.Mode.String(), cp.State,
		cp.LastEventUsec, creds, version); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.VideoID, err)
	}
	return nil
}

// LoadCheckpoints reads every stored checkpoint. Unreadable credentials cost
// that row its cookies, not the whole boot: the session resumes anonymous and
// an authed-only stream will fail fast with a classified auth error.
func (s *Store) LoadCheckpoints(ctx context.Context) ([]session.Checkpoint, error) {
	const q = `SELECT video_id, url, COALESCE(continuation,''), mode, state,
		COALESCE(last_event_usec,0), COALESCE(credentials,''), COALESCE(encryption_version,0),
		COALESCE(updated_at, NOW())
		FROM sessions ORDER BY video_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []session.Checkpoint
	for rows.Next() {
		var (
			cp      session.Checkpoint
			modeStr string
			creds   string
			version int
		)
		if err := rows.Scan(&cp.VideoID, &cp.URL, &cp.Token, &modeStr, &cp.State,
			&cp.LastEventUsec, &creds, &version, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if mode, err := continuation.ParseMode(modeStr); err == nil {
			cp.Mode = mode
		} else {
			cp.Mode = continuation.ModeTop
		}
		c, err := s.openCredentials(creds, version)
		if err != nil {
			slog.Warn("checkpoint credentials unreadable; resuming without them",
				slog.String("video_id", cp.VideoID), slog.Any("err", err))
		} else {
			cp.Credentials = c
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SetKV upserts one key in the kv cache.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	const q = `INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV reads one key; a missing key is an empty value, not an error.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(value,'') FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return v, nil
}

// sealCredentials renders credentials for the credentials column. Returns
// the stored text and the encryption_version that describes it.
func (s *Store) sealCredentials(c auth.Credentials) (string, int, error) {
	if !c.Enabled() {
		return "", 0, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", 0, err
	}
	if s.enc == nil {
		return string(raw), 0, nil
	}
	sealed, err := crypto.EncryptString(s.enc, string(raw))
	if err != nil {
		return "", 0, err
	}
	return sealed, 1, nil
}

// openCredentials reverses sealCredentials for one stored row.
func (s *Store) openCredentials(stored string, version int) (auth.Credentials, error) {
	var c auth.Credentials
	if stored == "" {
		return c, nil
	}
	raw := stored
	if version >= 1 {
		if s.enc == nil {
			return c, fmt.Errorf("credentials are encrypted but no encryption key is configured")
		}
		opened, err := crypto.DecryptString(s.enc, stored)
		if err != nil {
			return c, err
		}
		raw = opened
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}
