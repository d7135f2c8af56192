package api

import (
	"binance-trailing-stop-go/internal/controller"
	"binance-trailing-stop-go/internal/models"
	"binance-trailing-stop-go/internal/strategy"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type selectRequest struct {
	Symbol string `json:"symbol"`
}

// strategyRequest 允许用百分比给出回撤, 与原界面的输入方式一致。
type strategyRequest struct {
	PurchasePrice   *decimal.Decimal `json:"purchase_price"`
	RetraceFraction *decimal.Decimal `json:"retrace_fraction"`
	RetracePercent  *decimal.Decimal `json:"retrace_percent"`
	SellEnabled     *bool            `json:"sell_enabled"`
}

func (req strategyRequest) update() (models.StrategyUpdate, error) {
	if req.RetraceFraction != nil && req.RetracePercent != nil {
		return models.StrategyUpdate{}, fmt.Errorf("%w: give retrace_fraction or retrace_percent, not both", strategy.ErrInvalidConfig)
	}
	u := models.StrategyUpdate{
		PurchasePrice:   req.PurchasePrice,
		RetraceFraction: req.RetraceFraction,
		SellEnabled:     req.SellEnabled,
	}
	if req.RetracePercent != nil {
		f := strategy.PercentToFraction(*req.RetracePercent)
		u.RetraceFraction = &f
	}
	return u, nil
}

// GET /api/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.op.CurrentSnapshot())
}

// GET /api/instruments
func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.op.Instruments())
}

// POST /api/instrument {"symbol":"ETHBTC"}
func (s *Server) handleSelectInstrument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	var body selectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	symbol := strings.TrimSpace(body.Symbol)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if err := s.op.SelectInstrument(r.Context(), symbol); err != nil {
		s.logger.Warn("select instrument failed", zap.String("symbol", symbol), zap.Error(err))
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.op.CurrentSnapshot())
}

// GET /api/strategy, POST /api/strategy {partial update}
func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.op.CurrentSnapshot().Strategy)
	case http.MethodPost:
		var body strategyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		update, err := body.update()
		if err != nil {
			writeCommandError(w, err)
			return
		}
		cfg, err := s.op.UpdateStrategy(update)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		http.Error(w, "method", http.StatusMethodNotAllowed)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeCommandError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, strategy.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrSubscriptionFailure):
		return http.StatusBadGateway
	case errors.Is(err, controller.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
