// Package httpapi 引擎的观察面：任务状态、挂起的挑战、代理池健康、
// 历史订单，外加 /ws 日志流。人工求解挑战也走这里。
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"porter/internal/challenge"
	"porter/internal/config"
	"porter/internal/engine"
	"porter/internal/logbus"
	"porter/internal/pool"
	"porter/internal/store/sqlite"
	"porter/internal/ws"
)

type Options struct {
	Cfg        config.Config
	Bus        *logbus.Bus
	Store      *sqlite.Store
	Engine     *engine.Engine
	Pool       *pool.Pool
	Challenges *challenge.Broker
}

type Server struct {
	cfg        config.Config
	bus        *logbus.Bus
	store      *sqlite.Store
	engine     *engine.Engine
	pool       *pool.Pool
	challenges *challenge.Broker
	ws         *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Cfg,
		bus:        opts.Bus,
		store:      opts.Store,
		engine:     opts.Engine,
		pool:       opts.Pool,
		challenges: opts.Challenges,
		ws:         ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/challenges", s.handleChallenges)
	api.HandleFunc("/api/v1/challenges/resolve", s.handleChallengeResolve)
	api.HandleFunc("/api/v1/pool/stats", s.handlePoolStats)
	api.HandleFunc("/api/v1/pool/reset", s.handlePoolReset)
	api.HandleFunc("/api/v1/orders", s.handleOrders)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State()})
}

func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.challenges.Pending()})
}

type challengeResolvePayload struct {
	TaskID string `json:"taskId"`
	Token  string `json:"token"`
}

// handleChallengeResolve 人工求解入口：运维在别处解出令牌后回填。
// 空令牌等同于宣告放弃，任务会按超时语义收场。
func (s *Server) handleChallengeResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body challengeResolvePayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	taskID := strings.TrimSpace(body.TaskID)
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "taskId is required"})
		return
	}
	if !s.challenges.Resolve(taskID, strings.TrimSpace(body.Token)) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending challenge for task"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.pool.Stats()})
}

func (s *Server) handlePoolReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.pool.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}
	orders, err := s.store.ListOrders(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": orders})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
