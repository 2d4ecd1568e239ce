package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/metrics"
	"FAsset-Agent/internal/store"
)

// Server 负责暴露只读的运维状态接口。
// 它不触发任何链上或钱包操作，所有写入都由主循环完成。
type Server struct {
	addr   string
	apiKey string
	store  store.Store
}

// NewServer 构造状态服务实例。apiKey 为空时不做鉴权。
func NewServer(addr, apiKey string, st store.Store) *Server {
	return &Server{addr: addr, apiKey: apiKey, store: st}
}

// AgentSummary 是单个金库的运行快照。
type AgentSummary struct {
	VaultAddress       string `json:"vault_address"`
	UnderlyingAddress  string `json:"underlying_address"`
	Active             bool   `json:"active"`
	ClosingPhase       string `json:"closing_phase"`
	CurrentEventBlock  uint64 `json:"current_event_block"`
	OpenMintings       int    `json:"open_mintings"`
	OpenRedemptions    int    `json:"open_redemptions"`
	OpenPayments       int    `json:"open_payments"`
	OpenSettingUpdates int    `json:"open_setting_updates"`
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.withAuth(s.handleAgents)))
	mux.HandleFunc("/api/v1/agents/", s.instrument("agent_detail", s.withAuth(s.handleAgentDetail)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	summaries := make([]AgentSummary, 0, len(agents))
	for _, agent := range agents {
		summary, err := s.summarize(ctx, agent)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, summaries)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	vault := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if vault == "" || strings.Contains(vault, "/") {
		http.Error(w, "缺少金库地址", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	agent, err := s.store.GetAgent(ctx, vault)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "金库不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	summary, err := s.summarize(ctx, agent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

// summarize 汇总一个金库的未完结工作流数量。
func (s *Server) summarize(ctx context.Context, agent *fasset.Agent) (AgentSummary, error) {
	summary := AgentSummary{
		VaultAddress:      agent.VaultAddress,
		UnderlyingAddress: agent.UnderlyingAddress,
		Active:            agent.Active,
		ClosingPhase:      string(agent.ClosingPhase),
		CurrentEventBlock: agent.CurrentEventBlock,
	}

	mintings, err := s.store.ListOpenMintings(ctx, agent.VaultAddress)
	if err != nil {
		return AgentSummary{}, err
	}
	redemptions, err := s.store.ListOpenRedemptions(ctx, agent.VaultAddress)
	if err != nil {
		return AgentSummary{}, err
	}
	payments, err := s.store.ListOpenUnderlyingPayments(ctx, agent.VaultAddress)
	if err != nil {
		return AgentSummary{}, err
	}
	settings, err := s.store.ListOpenUpdateSettings(ctx, agent.VaultAddress)
	if err != nil {
		return AgentSummary{}, err
	}

	summary.OpenMintings = len(mintings)
	summary.OpenRedemptions = len(redemptions)
	summary.OpenPayments = len(payments)
	summary.OpenSettingUpdates = len(settings)
	return summary, nil
}

// withAuth 校验请求头里的访问密钥。
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-KEY") != s.apiKey {
			http.Error(w, "访问密钥错误", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// instrument 记录请求级别指标。
func (s *Server) instrument(handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
