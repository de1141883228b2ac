package persistence

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/internal/domain"
)

// JSONFileStore 每个组一个 JSON 文件：写临时文件 -> fsync -> rename -> fsync 目录。
type JSONFileStore struct {
	baseDir string
}

// NewJSONFileStore 创建 JSON 文件存储
func NewJSONFileStore(baseDir string) *JSONFileStore {
	return &JSONFileStore{baseDir: baseDir}
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *JSONFileStore) filePath(id string) string {
	// 文件名安全化
	safe := keySanitizer.ReplaceAllString("group_"+id, "_")
	return filepath.Join(s.baseDir, safe+".json")
}

// Save 保存数据
func (s *JSONFileStore) Save(ctx context.Context, g *domain.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGroup(g)
	if err != nil {
		return err
	}
	log.Debugf("[file] Save: group=%s status=%s version=%d", g.ID, g.Status, g.Version)
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir store dir")
	}

	path := s.filePath(g.ID)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, b); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return syncDir(s.baseDir)
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open store dir")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "sync store dir")
	}
	return nil
}

// Load 加载数据
func (s *JSONFileStore) Load(ctx context.Context, id string) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotExists, "load group %s", id)
		}
		return nil, errors.Wrapf(err, "load group %s", id)
	}
	return decodeGroup(b)
}

func (s *JSONFileStore) scan(ctx context.Context, keep func(*domain.Group) bool) ([]*domain.Group, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*domain.Group
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "group_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			return nil, err
		}
		g, err := decodeGroup(b)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", name)
		}
		if keep(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *JSONFileStore) LoadIncomplete(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.scan(ctx, func(g *domain.Group) bool { return !g.Status.IsTerminal() })
	if err != nil {
		return nil, errors.Wrap(err, "load incomplete groups")
	}
	return out, nil
}

func (s *JSONFileStore) List(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.scan(ctx, func(*domain.Group) bool { return true })
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	return out, nil
}

func (s *JSONFileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "delete group %s", id)
	}
	return syncDir(s.baseDir)
}

func (s *JSONFileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	return writeFileSync(filepath.Join(s.baseDir, ".ping"), []byte("ok"))
}

func (s *JSONFileStore) Close() error { return nil }
