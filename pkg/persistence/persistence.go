package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
)

var log = logrus.WithField("component", "persistence")

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

// 存储驱动
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Options 打开存储的参数
type Options struct {
	Driver string // badger | sqlite | file
	Path   string // badger 目录 / sqlite 文件 / json 目录
}

// Open 根据驱动打开 GroupStore
func Open(opts Options) (ports.GroupStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("persistence: path is required")
	}
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverBadger:
		return OpenBadger(BadgerOptions{Path: path})
	case DriverSQLite:
		return OpenSQLite(path)
	case DriverFile:
		return NewJSONFileStore(path), nil
	default:
		return nil, errors.Errorf("persistence: unknown driver %q", opts.Driver)
	}
}

// 记录格式版本（便于后续迁移）
const recordVersion = 1

type record struct {
	V     int           `json:"v"`
	Group *domain.Group `json:"group"`
}

func encodeGroup(g *domain.Group) ([]byte, error) {
	if g == nil || g.ID == "" {
		return nil, errors.New("persistence: group id is empty")
	}
	b, err := json.Marshal(record{V: recordVersion, Group: g})
	if err != nil {
		return nil, errors.Wrapf(err, "encode group %s", g.ID)
	}
	return b, nil
}

func decodeGroup(b []byte) (*domain.Group, error) {
	if len(b) == 0 {
		return nil, ErrNotExists
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "decode group")
	}
	if r.Group == nil {
		return nil, errors.New("decode group: empty record")
	}
	if r.V > recordVersion {
		return nil, errors.Errorf("decode group %s: unsupported record version %d", r.Group.ID, r.V)
	}
	if !r.Group.Status.Valid() {
		return nil, errors.Errorf("decode group %s: invalid status %q", r.Group.ID, r.Group.Status)
	}
	return r.Group, nil
}
