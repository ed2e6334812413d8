package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"octoagent/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const encryptionKeySetting = "encryption_key"

// Store is the persistence API the dispatcher consumes.
type Store interface {
	All(ctx context.Context) ([]Target, error)
	// Expired returns live-activity targets whose token expired before now.
	Expired(ctx context.Context, now time.Time) ([]Target, error)
	Upsert(ctx context.Context, t Target) error
	Remove(ctx context.Context, ts []Target) error
	// RemoveByToken removes any target whose push or fallback token matches.
	RemoveByToken(ctx context.Context, token string) error
	RemoveTemporary(ctx context.Context) error
	// EncryptionKey returns the per-install payload secret, creating it on
	// first use.
	EncryptionKey(ctx context.Context) (string, error)
	Close() error
}

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed registry store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const targetColumns = `kind, instance_id, push_token, fallback_token, auto_start_token, exclude, expire_at, temporary`

func (s *sqliteStore) All(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
}

func (s *sqliteStore) Expired(ctx context.Context, now time.Time) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE kind = ? AND expire_at > 0 AND expire_at < ?`,
		string(KindIosActivity), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
}

func (s *sqliteStore) Upsert(ctx context.Context, t Target) error {
	expire := int64(0)
	if !t.ExpireAt.IsZero() {
		expire = t.ExpireAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(`+targetColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(instance_id, kind, push_token) DO UPDATE SET
		   fallback_token=excluded.fallback_token,
		   auto_start_token=excluded.auto_start_token,
		   exclude=excluded.exclude,
		   expire_at=excluded.expire_at,
		   temporary=excluded.temporary`,
		string(t.Kind), t.InstanceID, t.PushToken, nullStr(t.FallbackToken),
		nullStr(t.ActivityAutoStartToken), nullStr(strings.Join(t.Exclude, ",")),
		expire, boolInt(t.Temporary),
	)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, ts []Target) error {
	if len(ts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range ts {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM targets WHERE instance_id = ? AND kind = ? AND push_token = ?`,
			t.InstanceID, string(t.Kind), t.PushToken,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveByToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM targets WHERE push_token = ? OR fallback_token = ?`, token, token)
	return err
}

func (s *sqliteStore) RemoveTemporary(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE temporary = 1`)
	return err
}

func (s *sqliteStore) EncryptionKey(ctx context.Context) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, encryptionKeySetting).Scan(&val)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	val = hex.EncodeToString(buf)
	// INSERT OR IGNORE + re-read keeps concurrent first calls consistent.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings(key, value) VALUES(?, ?)`, encryptionKeySetting, val); err != nil {
		return "", err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, encryptionKeySetting).Scan(&val)
	return val, err
}

func scanTargets(rows *sql.Rows) ([]Target, error) {
	var out []Target
	for rows.Next() {
		var (
			t        Target
			kind     string
			fallback sql.NullString
			auto     sql.NullString
			exclude  sql.NullString
			expire   int64
			temp     int
		)
		if err := rows.Scan(&kind, &t.InstanceID, &t.PushToken, &fallback, &auto, &exclude, &expire, &temp); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		t.FallbackToken = fallback.String
		t.ActivityAutoStartToken = auto.String
		if exclude.String != "" {
			t.Exclude = strings.Split(exclude.String, ",")
		}
		if expire > 0 {
			t.ExpireAt = time.UnixMilli(expire)
		}
		t.Temporary = temp != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
