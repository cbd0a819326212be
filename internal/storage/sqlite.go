package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "commagent/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; ":memory:" also needs the one connection
	// to stay alive, otherwise the database vanishes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if !inMemory {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
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

func (s *sqliteStore) Put(ctx context.Context, d Document) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	// seq is only computed for new rows; the upsert keeps the original one.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(kind, tenant_id, id, seq, data, updated_at)
		 VALUES(?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents), ?, ?)
		 ON CONFLICT(kind, tenant_id, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		d.Kind, d.TenantID, d.ID, string(d.Data), d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, kind, tenantID, id string) (Document, error) {
	if s == nil || s.db == nil {
		return Document{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, tenant_id, id, seq, data, updated_at FROM documents WHERE kind = ? AND tenant_id = ? AND id = ?`,
		kind, tenantID, id,
	)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) Delete(ctx context.Context, kind, tenantID, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE kind = ? AND tenant_id = ? AND id = ?`, kind, tenantID, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, kind, tenantID string) ([]Document, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT kind, tenant_id, id, seq, data, updated_at FROM documents WHERE kind = ? ORDER BY seq`, kind)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT kind, tenant_id, id, seq, data, updated_at FROM documents WHERE kind = ? AND tenant_id = ? ORDER BY seq`,
			kind, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var (
		d       Document
		data    string
		updated string
	)
	if err := r.Scan(&d.Kind, &d.TenantID, &d.ID, &d.Seq, &data, &updated); err != nil {
		return Document{}, err
	}
	d.Data = []byte(data)
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		d.UpdatedAt = t
	}
	return d, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}
