package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirmas/dealradar/internal/store"
)

// Runner is the scheduler surface the API needs: schedule on create,
// cancel on delete, and the manual force-run trigger.
type Runner interface {
	Schedule(ctx context.Context, q *store.SearchQuery) error
	Cancel(queryID int64)
	ForceRunUser(ctx context.Context, userID int64) (int, error)
}

// Server provides the administrative HTTP API.
type Server struct {
	store  store.Store
	runner Runner
	logger *slog.Logger
	secret string
	port   int
}

// New creates the admin API server. runner may be nil when no
// scheduler is running (serve-only mode).
func New(s store.Store, runner Runner, logger *slog.Logger, secret string, port int) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{store: s, runner: runner, logger: logger, secret: secret, port: port}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("admin api listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/queries", s.auth(s.handleQueries))
	mux.HandleFunc("/api/v1/queries/", s.auth(s.handleQueryByID))
	mux.HandleFunc("/api/v1/products", s.auth(s.handleProducts))
	mux.HandleFunc("/api/v1/notifications", s.auth(s.handleNotifications))
	mux.HandleFunc("/api/v1/notifications/read", s.auth(s.handleMarkRead))
	mux.HandleFunc("/api/v1/users", s.auth(s.handleUsers))
	mux.HandleFunc("/api/v1/retailers", s.auth(s.handleRetailers))
	mux.HandleFunc("/api/v1/run", s.auth(s.handleRun))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request, p *principal) {
	switch r.Method {
	case http.MethodGet:
		userID := p.UserID
		if p.Admin {
			if v := r.URL.Query().Get("user"); v != "" {
				id, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad user id"})
					return
				}
				userID = id
			}
		}

		queries, err := s.store.ListQueriesByUser(r.Context(), userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": queries, "count": len(queries)})

	case http.MethodPost:
		var q store.SearchQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
			return
		}
		if !p.Admin || q.UserID == 0 {
			q.UserID = p.UserID
		}
		if q.IntervalMinutes < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "interval must be at least one minute"})
			return
		}
		q.Active = true
		q.LastRunAt = nil

		if err := s.store.CreateQuery(r.Context(), &q); err != nil {
			s.fail(w, err)
			return
		}

		// Immediate scheduling path; the discovery poll is the safety
		// net for queries created elsewhere.
		if s.runner != nil {
			if err := s.runner.Schedule(r.Context(), &q); err != nil {
				s.logger.Error("scheduling created query failed", "query_id", q.ID, "error", err)
			}
		}
		writeJSON(w, http.StatusCreated, q)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleQueryByID(w http.ResponseWriter, r *http.Request, p *principal) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/queries/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad query id"})
		return
	}

	q, err := s.store.GetQuery(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "query not found"})
		return
	}
	if !p.Admin && q.UserID != p.UserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your query"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, q)

	case http.MethodDelete:
		if err := s.store.DeleteQuery(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		if s.runner != nil {
			s.runner.Cancel(id)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request, p *principal) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	opts := store.ProductListOpts{Limit: 100}
	if v := r.URL.Query().Get("retailer"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad retailer id"})
			return
		}
		opts.RetailerID = id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}

	products, err := s.store.ListProducts(r.Context(), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": products, "count": len(products)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, p *principal) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	userID := p.UserID
	if p.Admin {
		if v := r.URL.Query().Get("user"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				userID = id
			}
		}
	}
	unread := r.URL.Query().Get("unread") == "1"

	notifications, err := s.store.ListNotifications(r.Context(), userID, unread)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": notifications, "count": len(notifications)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, p *principal) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	n, err := s.store.MarkAllRead(r.Context(), p.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, p *principal) {
	if !p.Admin {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		users, err := s.store.ListUsers(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": users, "count": len(users)})

	case http.MethodPost:
		var u store.User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
			return
		}
		if u.ChatID == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id required"})
			return
		}
		u.Active = true
		if err := s.store.CreateUser(r.Context(), &u); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleRetailers(w http.ResponseWriter, r *http.Request, p *principal) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	retailers, err := s.store.ListRetailers(r.Context(), false)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": retailers, "count": len(retailers)})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, p *principal) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	}

	userID := p.UserID
	if p.Admin {
		if v := r.URL.Query().Get("user"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				userID = id
			}
		}
	}

	ran, err := s.runner.ForceRunUser(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": ran})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("api request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
