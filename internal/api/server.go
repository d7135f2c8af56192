// Package api exposes the operator HTTP surface: snapshot, commands, SSE stream and metrics.
package api

import (
	"binance-trailing-stop-go/internal/models"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Operator is the command surface the HTTP handlers drive.
type Operator interface {
	Instruments() []models.Instrument
	SelectInstrument(ctx context.Context, symbol string) error
	UpdateStrategy(update models.StrategyUpdate) (models.StrategyConfig, error)
	CurrentSnapshot() models.Snapshot
	Watch(buffer int) (<-chan models.Snapshot, func())
}

type Server struct {
	Addr string

	op      Operator
	metrics http.Handler
	logger  *zap.Logger
	srv     *http.Server

	// 所有请求的父 context, Shutdown 时取消以结束 SSE 长连接
	baseCtx     context.Context
	stopStreams context.CancelFunc
}

// NewServer 创建操作员 API。metrics 为 nil 时不挂载 /metrics。
func NewServer(addr string, op Operator, metrics http.Handler, logger *zap.Logger) *Server {
	if addr == "" {
		addr = ":8080"
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Server{Addr: addr, op: op, metrics: metrics, logger: logger, baseCtx: baseCtx, stopStreams: stop}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/instruments", s.handleInstruments)
	mux.HandleFunc("/api/instrument", s.handleSelectInstrument)
	mux.HandleFunc("/api/strategy", s.handleStrategy)
	mux.HandleFunc("/api/stream", s.handleStream)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s.logRequests(mux)
}

// Start 在后台监听, 监听失败会记录日志。
func (s *Server) Start() {
	s.srv = s.newHTTPServer()
	go func() {
		s.logger.Info("operator api listening", zap.String("addr", s.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("operator api stopped", zap.Error(err))
		}
	}()
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
}

// Shutdown 先结束流式连接, 再等待其余请求完成。
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
