package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/broker"
	"trades-engine/internal/journal"
	"trades-engine/internal/metrics"
	"trades-engine/internal/position"
	"trades-engine/internal/risk"
	"trades-engine/internal/trading"
)

// eventLister 由 journal.Service 实现。
type eventLister interface {
	ListEvents(ctx context.Context, q journal.Query) ([]journal.Event, error)
}

type monitorServer struct {
	events    eventLister
	portfolio *trading.Portfolio
	gate      *risk.Gate
	breaker   *breaker.Breaker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type assetStatus struct {
	Asset    string           `json:"asset"`
	Price    string           `json:"price"`
	Account  broker.Summary   `json:"account"`
	Position position.Summary `json:"position"`
	Legs     []position.Leg   `json:"legs"`
}

type statusResponse struct {
	Breaker breaker.State  `json:"breaker"`
	Status  breaker.Status `json:"status"`
	Assets  []assetStatus  `json:"assets"`
}

func (s *monitorServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/breaker/reset", s.handleBreakerReset)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *monitorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	query := journal.Query{Limit: limit}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		query.Type = journal.EventType(strings.ToLower(typ))
	}
	if asset := strings.TrimSpace(q.Get("asset")); asset != "" {
		query.Asset = strings.ToUpper(asset)
	}

	events, err := s.events.ListEvents(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, events)
}

func (s *monitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.breaker.State()
	resp := statusResponse{
		Breaker: state,
		Status:  state.Status(),
	}
	for _, asset := range s.portfolio.Assets() {
		b, ok := s.portfolio.Broker(asset)
		if !ok {
			continue
		}
		price := s.portfolio.Price(asset)
		summary, err := b.Summary(r.Context(), price)
		if err != nil {
			s.logger.Warn("获取账户汇总失败", zap.String("asset", asset), zap.Error(err))
		}
		legs := s.gate.Legs(asset)
		resp.Assets = append(resp.Assets, assetStatus{
			Asset:    asset,
			Price:    price.String(),
			Account:  summary,
			Position: position.Summarize(legs, price),
			Legs:     position.OpenLegs(legs),
		})
	}
	s.writeJSON(w, resp)
}

func (s *monitorServer) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.breaker.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.SetBreakerTripped(false)
	s.logger.Warn("已通过监控接口复位熔断器", zap.String("remote", r.RemoteAddr))
	s.writeJSON(w, s.breaker.State())
}

func (s *monitorServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func startMonitorServer(ctx context.Context, s *monitorServer, addr string) {
	srv := &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	s.logger.Info("监控接口已启动", zap.String("addr", addr))
}
