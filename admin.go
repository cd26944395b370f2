package mongomirror

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin API is token-authenticated and meant to bind to
		// localhost or an internal interface.
		return true
	},
}

/*
AdminServer is the operational surface of the replication layer: status,
target configuration, and a live tail of the audit log. Every route requires
an HS256 bearer token signed with the shared admin secret.

It intentionally exposes nothing of the surrounding application; request
handlers keep using the wrapped database handle and never talk to this
server.
*/
type AdminServer struct {
	mgr    *Manager
	store  *ConfigStore
	audit  *AuditLog
	secret []byte
	log    zerolog.Logger
}

// NewAdminServer wires the admin API to a manager, its config store, and its
// audit log.
func NewAdminServer(mgr *Manager, store *ConfigStore, audit *AuditLog, secret []byte, logger *zerolog.Logger) *AdminServer {
	s := &AdminServer{mgr: mgr, store: store, audit: audit, secret: secret, log: zerolog.Nop()}
	if logger != nil {
		s.log = *logger
	}
	return s
}

// Handler returns the admin API routes.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/api/v1/config", s.withAuth(s.handleConfig))
	mux.HandleFunc("/api/v1/audit/tail", s.withAuth(s.handleAuditTail))
	return mux
}

func (s *AdminServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if !strings.HasPrefix(token, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := ValidateAdminToken(strings.TrimPrefix(token, "Bearer "), s.secret); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	Enabled  bool   `json:"enabled"`
	Database string `json:"database,omitempty"`
	Pending  int    `json:"pending"`
	Stats    Stats  `json:"stats"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.store.Load()
	resp := statusResponse{
		Enabled:  s.mgr.Enabled(),
		Database: cfg.DBName,
		Pending:  s.mgr.Pending(),
		Stats:    s.mgr.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *AdminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		var cfg ReplicationConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.store.Save(cfg); err != nil {
			s.log.Error().Err(err).Msg("saving replication config")
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
		applyErr := s.mgr.Configure(cfg)
		resp := map[string]any{"applied": applyErr == nil}
		if applyErr != nil {
			resp["error"] = applyErr.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)

	case http.MethodDelete:
		if err := s.store.Clear(); err != nil {
			s.log.Error().Err(err).Msg("clearing replication config")
			http.Error(w, "failed to clear config", http.StatusInternalServerError)
			return
		}
		_ = s.mgr.Configure(DefaultReplicationConfig())
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *AdminServer) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit tail upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.audit.Subscribe()
	defer cancel()

	// Drain client frames so closes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
