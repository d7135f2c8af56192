package persistence

import "binance-trailing-stop-go/internal/models"

// StateRepository 抽象了操作员设置的存储方式 (BadgerDB, 内存等)。
type StateRepository interface {
	// SaveState 原子地覆盖保存整个操作员设置。
	SaveState(state *models.OperatorState) error

	// LoadState 读取操作员设置。没有保存过时返回 (nil, nil)。
	LoadState() (*models.OperatorState, error)

	Close() error
}
