package models

import "time"

// OperatorState 定义了需要持久化的操作员设置。
// 峰值价格和卖出锁存状态属于单次会话，不会被保存。
type OperatorState struct {
	Version        int            `json:"version"`          // 状态模型的版本号，用于未来迁移
	Symbol         string         `json:"symbol"`           // 最后一次选择的交易对, e.g., "ETHBTC"
	Strategy       StrategyConfig `json:"strategy"`         // 最后一次生效的策略参数
	LastUpdateTime time.Time      `json:"last_update_time"` // 状态最后更新的时间戳
}

// CurrentStateVersion is written into every persisted OperatorState.
const CurrentStateVersion = 1
