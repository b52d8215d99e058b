package groups

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DedupConfig configures the shared seen-content store.
type DedupConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means sqlite default
}

// DedupStore is the append-only set of content identifiers each group has
// already acted on. Group members check it (under the group's Coordinator
// lock) before liking/commenting/downloading an item, so the group as a whole
// touches each item at most once.
type DedupStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenDedup opens (and migrates) the sqlite store at cfg.Path.
func OpenDedup(cfg DedupConfig, log logx.Logger) (*DedupStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("dedup path is required")
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

	s := &DedupStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DedupStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DedupStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Seen reports whether the group has already handled the given item.
func (s *DedupStore) Seen(ctx context.Context, group, item string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen WHERE group_name = ? AND item_id = ?`,
		normalizeGroup(group), item,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkSeen appends an item to the group's seen set. Re-marking an already
// seen item is a no-op.
func (s *DedupStore) MarkSeen(ctx context.Context, group, item string) error {
	if item == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(group_name, item_id, at) VALUES(?,?,?)
		 ON CONFLICT(group_name, item_id) DO NOTHING`,
		normalizeGroup(group), item, time.Now().UnixMilli(),
	)
	return err
}

// Prune deletes entries older than the retention period and returns how many
// rows were removed. Called from the maintenance schedule.
func (s *DedupStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("dedup store pruned", logx.Int64("rows", n))
	}
	return n, nil
}

func normalizeGroup(group string) string {
	return strings.ToLower(strings.TrimSpace(group))
}
