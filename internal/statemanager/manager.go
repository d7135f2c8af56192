package statemanager

import (
	"binance-trailing-stop-go/internal/models"
	"binance-trailing-stop-go/internal/persistence"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	StrategyChangedEvent EventType = iota
	InstrumentSelectedEvent
	StateResetEvent
)

func (t EventType) String() string {
	switch t {
	case StrategyChangedEvent:
		return "StrategyChanged"
	case InstrumentSelectedEvent:
		return "InstrumentSelected"
	case StateResetEvent:
		return "StateReset"
	default:
		return "Unknown"
	}
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

type pendingSave struct {
	state *models.OperatorState
	seq   uint64
}

// StateManager 串行处理操作员设置的变更, 并异步写入存储。
// 只保存操作员的偏好 (交易对和策略参数), 不保存峰值和卖出状态。
type StateManager struct {
	mu      sync.RWMutex
	state   *models.OperatorState
	seq     uint64 // 每处理一个事件加一
	savedTo uint64 // 已写入存储的最大 seq

	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan pendingSave
	stopChan        chan bool
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.OperatorState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.OperatorState{Version: models.CurrentStateVersion}
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan pendingSave, 128),
		stopChan:        make(chan bool),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop 停止两个循环, 处理剩余事件, 并把最终状态同步写入一次。
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()

	drain:
		for {
			select {
			case event := <-sm.eventChannel:
				sm.apply(event)
			default:
				break drain
			}
		}

		sm.mu.RLock()
		dirty := sm.seq > sm.savedTo
		sm.mu.RUnlock()
		if dirty && sm.repo != nil {
			if err := sm.repo.SaveState(sm.GetStateSnapshot()); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to save final state: %v", err)
			}
		}
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
// Events dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping %s event", event.Type)
		return
	default:
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping %s event", event.Type)
	}
}

// GetStateSnapshot returns a copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.OperatorState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	stateCopy := *sm.state
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			pending, ok := sm.apply(event)
			if !ok {
				continue
			}
			select {
			case sm.persistenceChan <- pending:
			case <-sm.stopChan:
				return
			}
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case pending := <-sm.persistenceChan:
			if sm.repo == nil {
				continue
			}
			if err := sm.repo.SaveState(pending.state); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
				continue
			}
			sm.markSaved(pending.seq)
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) markSaved(seq uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if seq > sm.savedTo {
		sm.savedTo = seq
	}
}

// apply mutates the state for one event and returns a copy to persist.
// ok is false if the event was ignored.
func (sm *StateManager) apply(event NormalizedEvent) (pendingSave, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch event.Type {
	case StrategyChangedEvent:
		cfg, ok := event.Data.(models.StrategyConfig)
		if !ok {
			sm.logger.Sugar().Warnf("Received StrategyChangedEvent with unexpected data type: %T", event.Data)
			return pendingSave{}, false
		}
		sm.state.Strategy = cfg
	case InstrumentSelectedEvent:
		symbol, ok := event.Data.(string)
		if !ok {
			sm.logger.Sugar().Warnf("Received InstrumentSelectedEvent with unexpected data type: %T", event.Data)
			return pendingSave{}, false
		}
		sm.state.Symbol = symbol
	case StateResetEvent:
		newState, ok := event.Data.(*models.OperatorState)
		if !ok || newState == nil {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
			return pendingSave{}, false
		}
		stateCopy := *newState
		sm.state = &stateCopy
		sm.logger.Sugar().Info("State has been reset.")
	default:
		sm.logger.Sugar().Warnf("Received unknown event type %d", event.Type)
		return pendingSave{}, false
	}

	sm.state.Version = models.CurrentStateVersion
	sm.state.LastUpdateTime = event.Timestamp
	sm.seq++

	stateCopy := *sm.state
	return pendingSave{state: &stateCopy, seq: sm.seq}, true
}
