package persistence

import (
	"binance-trailing-stop-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

var operatorStateKey = []byte("operator_state")

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// badgerLogger 把 badger 的内部日志接到 zap 上, 只保留警告和错误。
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(string, ...interface{})                {}
func (l badgerLogger) Debugf(string, ...interface{})               {}

// NewBadgerRepository 打开 (或创建) dbPath 下的 BadgerDB。
func NewBadgerRepository(dbPath string, logger *zap.Logger) (StateRepository, error) {
	return open(badger.DefaultOptions(dbPath), logger)
}

// NewInMemoryRepository 返回不落盘的 BadgerDB 仓库, 仅供测试使用。
func NewInMemoryRepository(logger *zap.Logger) (StateRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *zap.Logger) (StateRepository, error) {
	if logger != nil {
		opts.Logger = badgerLogger{s: logger.Named("badger").Sugar()}
	} else {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开状态数据库失败: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

// SaveState marshals the state into JSON and stores it under a single key.
func (r *badgerRepository) SaveState(state *models.OperatorState) error {
	if state == nil {
		return errors.New("refusing to save nil operator state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(operatorStateKey, data)
	})
}

// LoadState returns (nil, nil) when nothing has been saved yet.
func (r *badgerRepository) LoadState() (*models.OperatorState, error) {
	var state models.OperatorState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(operatorStateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state.Version > models.CurrentStateVersion {
		return nil, fmt.Errorf("operator state version %d is newer than supported version %d", state.Version, models.CurrentStateVersion)
	}
	return &state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
