package persistence

import (
	"context"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/internal/domain"
)

const groupKeyPrefix = "group:"

// BadgerStore 基于 Badger 的组存储。
// SyncWrites 打开：每次提交都 fsync 后才返回。
type BadgerStore struct {
	db *badger.DB
}

type BadgerOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes；为空则不加密
	InMemory      bool   // 仅测试使用
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("badger store: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// Badger 加密模式要求 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerStore{db: db}, nil
}

func groupKey(id string) []byte {
	return []byte(groupKeyPrefix + id)
}

func (s *BadgerStore) Save(ctx context.Context, g *domain.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGroup(g)
	if err != nil {
		return err
	}
	log.Debugf("[badger] Save: group=%s status=%s version=%d", g.ID, g.Status, g.Version)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(groupKey(g.ID), b)
	})
}

func (s *BadgerStore) Load(ctx context.Context, id string) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *domain.Group
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotExists
			}
			return err
		}
		return item.Value(func(val []byte) error {
			g, err := decodeGroup(val)
			out = g
			return err
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load group %s", id)
	}
	return out, nil
}

func (s *BadgerStore) scan(ctx context.Context, keep func(*domain.Group) bool) ([]*domain.Group, error) {
	var out []*domain.Group
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(groupKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				g, err := decodeGroup(val)
				if err != nil {
					return err
				}
				if keep(g) {
					out = append(out, g)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) LoadIncomplete(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.scan(ctx, func(g *domain.Group) bool { return !g.Status.IsTerminal() })
	if err != nil {
		return nil, errors.Wrap(err, "load incomplete groups")
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*domain.Group, error) {
	out, err := s.scan(ctx, func(*domain.Group) bool { return true })
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(groupKey(id))
	})
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return errors.New("badger store: not opened")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// 写探针：确认底层磁盘可写
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("meta:ping"), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
