package persistence

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/atomicexec/internal/domain"
)

// SQLiteStore 基于 SQLite 的组存储，同时保留一份状态迁移审计流水。
type SQLiteStore struct {
	db *sql.DB
}

// Transition 审计流水中的一条记录
type Transition struct {
	GroupID   string
	Version   int64
	Status    domain.GroupStatus
	Reason    string
	CreatedAt time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir sqlite dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			terminal INTEGER NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			body BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_groups_terminal ON groups(terminal);`,
		`CREATE TABLE IF NOT EXISTS group_transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_group ON group_transitions(group_id, seq);`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migrate sqlite: %s", stmt)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) Save(ctx context.Context, g *domain.Group) error {
	b, err := encodeGroup(g)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt := g.UpdatedAt.UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, status, terminal, version, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			terminal=excluded.terminal,
			version=excluded.version,
			updated_at=excluded.updated_at,
			body=excluded.body`,
		g.ID, string(g.Status), boolInt(g.Status.IsTerminal()), g.Version, updatedAt, b)
	if err != nil {
		return errors.Wrapf(err, "upsert group %s", g.ID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_transitions (group_id, version, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Version, string(g.Status), g.Reason, updatedAt)
	if err != nil {
		return errors.Wrapf(err, "append transition %s", g.ID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit group %s", g.ID)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*domain.Group, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM groups WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotExists, "load group %s", id)
		}
		return nil, errors.Wrapf(err, "load group %s", id)
	}
	return decodeGroup(body)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Group
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		g, err := decodeGroup(body)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadIncomplete(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.query(ctx, `SELECT body FROM groups WHERE terminal = 0 ORDER BY updated_at`)
	if err != nil {
		return nil, errors.Wrap(err, "load incomplete groups")
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.query(ctx, `SELECT body FROM groups ORDER BY updated_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	return out, nil
}

// Delete 删除组本身；审计流水保留。
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete group %s", id)
	}
	return nil
}

// Transitions 返回某个组的状态迁移历史（按写入顺序）
func (s *SQLiteStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, version, status, reason, created_at
		FROM group_transitions WHERE group_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query transitions %s", id)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t       Transition
			status  string
			created string
		)
		if err := rows.Scan(&t.GroupID, &t.Version, &status, &t.Reason, &created); err != nil {
			return nil, err
		}
		t.Status = domain.GroupStatus(status)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping 写探针：upsert 一行 meta，确认数据库可写
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: not opened")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('ping', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "sqlite ping")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
