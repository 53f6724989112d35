package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zybastuk/miniapp-metrics/internal/config"
	"github.com/zybastuk/miniapp-metrics/internal/domain"
	"github.com/zybastuk/miniapp-metrics/internal/oplog"
	"github.com/zybastuk/miniapp-metrics/internal/telegram"
)

// syncScope labels a sync pass in dispatch metadata. The refresh is a global
// maintenance operation, deliberately not team-scoped.
const syncScope = "all"

// Deps wires all collaborators into the HTTP server.
type Deps struct {
	Config   *config.Config
	Verifier *telegram.Verifier
	Users    domain.UserRepository
	Posts    domain.PostRepository
	Sync     *domain.SyncService
	Ring     *oplog.Ring
	Logger   *slog.Logger
}

// Server is the HTTP server exposing the Mini App API, the sync trigger, and
// the scrape-completion webhook.
type Server struct {
	cfg        *config.Config
	verifier   *telegram.Verifier
	users      domain.UserRepository
	posts      domain.PostRepository
	sync       *domain.SyncService
	ring       *oplog.Ring
	logger     *slog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		verifier: deps.Verifier,
		users:    deps.Users,
		posts:    deps.Posts,
		sync:     deps.Sync,
		ring:     deps.Ring,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			// Mini App origins vary; same permissive policy as the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("GET /accounts_list", s.handleAccountsList)
	mux.HandleFunc("POST /analytics_add", s.handleAnalyticsAdd)
	mux.HandleFunc("POST /sync/start", s.handleSyncStart)
	mux.HandleFunc("POST /webhooks/apify", s.handleApifyWebhook)
	mux.HandleFunc("GET /sync/logs", s.handleSyncLogs)
	mux.HandleFunc("GET /sync/logs/ws", s.handleSyncLogsWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      withCORS(withLogging(deps.Logger, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// verifiedUser authenticates the request against Telegram init data carried
// in the Authorization header ("twa-init-data <raw init data>").
func (s *Server) verifiedUser(r *http.Request) (*telegram.WebAppUser, int, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, http.StatusUnauthorized, errors.New("no Authorization header")
	}

	scheme, initData, ok := strings.Cut(header, " ")
	if !ok || scheme != "twa-init-data" {
		return nil, http.StatusUnauthorized, errors.New("invalid auth type")
	}

	user, err := s.verifier.Verify(initData)
	if err != nil {
		if errors.Is(err, telegram.ErrBadSignature) {
			return nil, http.StatusForbidden, err
		}
		return nil, http.StatusUnauthorized, err
	}
	return user, http.StatusOK, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuth validates init data and checks registration. Unregistered users
// are rejected; there is no self-service registration.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.verifiedUser(r)
	if err != nil {
		writeError(w, status, "AuthFailure", err.Error())
		return
	}

	user, err := s.users.UserByTelegramID(r.Context(), caller.ID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusForbidden, "NotRegistered", "user not registered, contact the administrator")
		return
	}
	if err != nil {
		s.logger.Error("user lookup failed", "telegram_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "user lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   user,
	})
}

// handleAccountsList returns the account names linked to the caller as a
// bare JSON array of strings.
func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.verifiedUser(r)
	if err != nil {
		writeError(w, status, "AuthFailure", err.Error())
		return
	}

	names, err := s.users.AccountNames(r.Context(), caller.ID)
	if err != nil {
		s.logger.Error("accounts lookup failed", "telegram_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "accounts lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, names)
}

type analyticsAddRequest struct {
	Data []domain.NewPost `json:"data"`
}

// handleAnalyticsAdd ingests a batch of analytics rows, stamping the owning
// user and team server-side.
func (s *Server) handleAnalyticsAdd(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.verifiedUser(r)
	if err != nil {
		writeError(w, status, "AuthFailure", err.Error())
		return
	}

	user, err := s.users.UserByTelegramID(r.Context(), caller.ID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusForbidden, "NotRegistered", "user not registered, contact the administrator")
		return
	}
	if err != nil {
		s.logger.Error("user lookup failed", "telegram_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "user lookup failed")
		return
	}

	var req analyticsAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed request body")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "no data provided for insertion")
		return
	}

	inserted, err := s.posts.InsertPosts(r.Context(), user.TelegramID, user.Team, req.Data)
	if err != nil {
		s.logger.Error("analytics insert failed", "telegram_id", user.TelegramID, "rows", len(req.Data), "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "insert failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"inserted_count": inserted,
	})
}

// handleSyncStart triggers one collect-and-dispatch pass. Only the configured
// operator identity may call it; a rejected caller causes no dispatches.
func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.verifiedUser(r)
	if err != nil {
		writeError(w, status, "AuthFailure", err.Error())
		return
	}

	if caller.ID != s.cfg.OperatorID {
		s.ring.Appendf("sync: start rejected for %d", caller.ID)
		writeError(w, http.StatusForbidden, "PermissionDenied", "not permitted")
		return
	}

	report, err := s.sync.StartSync(r.Context(), syncScope)
	if err != nil {
		s.logger.Error("sync pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "sync failed")
		return
	}

	if report.Empty() {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "empty",
			"message": "no posts added in the last 7 days",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"scope":    syncScope,
		"launched": report.Launched,
		"counts":   report.Counts,
		"dropped":  report.Dropped,
	})
}

type apifyWebhookRequest struct {
	ResourceID string `json:"resource_id"`
	Platform   string `json:"platform"`
	Team       string `json:"team"`
}

// handleApifyWebhook receives run-completion notifications. The call is
// always acknowledged with a status object; Apify may re-deliver, and
// reconciliation is idempotent per row.
func (s *Server) handleApifyWebhook(w http.ResponseWriter, r *http.Request) {
	var req apifyWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "malformed notification body"})
		return
	}
	if req.ResourceID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "missing resource_id"})
		return
	}

	platform, ok := domain.ParsePlatform(req.Platform)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "unknown platform: " + req.Platform})
		return
	}

	report, err := s.sync.Reconcile(r.Context(), req.ResourceID, platform)
	if err != nil {
		s.logger.Error("reconciliation failed", "dataset_id", req.ResourceID, "platform", platform, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "reconciliation failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"matched": report.Matched,
		"skipped": report.Skipped,
		"total":   report.Total,
	})
}

// handleSyncLogs serves the operational log ring, oldest first.
func (s *Server) handleSyncLogs(w http.ResponseWriter, _ *http.Request) {
	entries := s.ring.Entries()
	logs := make([]string, len(entries))
	for i, e := range entries {
		logs[i] = e.String()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"logs": logs})
}

// handleSyncLogsWS streams the log ring over a websocket: the current
// contents first, then new entries as they are appended.
func (s *Server) handleSyncLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.ring.Subscribe()
	defer s.ring.Unsubscribe(ch)

	for _, e := range s.ring.Entries() {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(e.String())); err != nil {
			return
		}
	}

	// Drain inbound frames so close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(e.String())); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

// withCORS applies the permissive policy Mini Apps are commonly served with.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
