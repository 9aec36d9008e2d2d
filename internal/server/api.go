package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hcodes/tunnel/internal/auth"
	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/metrics"
)

const maxAPIBodyBytes = 64 * 1024

// rootRouter serves the root domain. Unknown paths and known paths with the
// wrong method both fall through to the health check.
func (s *Server) rootRouter() http.Handler {
	health := http.HandlerFunc(handleHealth)
	r := mux.NewRouter()
	r.HandleFunc("/v1/tunnels/connect", s.handleConnect).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = health
	api.HandleFunc("/register", s.handleAccountRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/user/{id:[0-9]+}/upgrade", s.handleUpgrade).Methods(http.MethodPost)

	tunnels := api.PathPrefix("/tunnels").Subrouter()
	tunnels.MethodNotAllowedHandler = health
	tunnels.Use(s.tokens.Middleware)
	tunnels.HandleFunc("", s.handleListTunnels).Methods(http.MethodGet)
	tunnels.HandleFunc("/{name}/stats", s.handleTunnelStats).Methods(http.MethodGet)

	r.NotFoundHandler = health
	r.MethodNotAllowedHandler = health
	return r
}

func (s *Server) handleAccountRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.CredentialsRequest
	if !decodeAPIBody(w, r, &req) {
		return
	}
	if err := auth.ValidateCredentials(req.Email, req.Password); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error("password hashing failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, hash)
	if errors.Is(err, domain.ErrEmailTaken) {
		writeAPIError(w, http.StatusConflict, "Email already exists")
		return
	}
	if err != nil {
		s.log.Error("user creation failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeToken(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.CredentialsRequest
	if !decodeAPIBody(w, r, &req) {
		return
	}
	user, err := s.store.FindUserByEmail(r.Context(), req.Email)
	if errors.Is(err, domain.ErrUserNotFound) {
		writeAPIError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeAPIError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	s.writeToken(w, http.StatusOK, user)
}

func (s *Server) writeToken(w http.ResponseWriter, status int, user domain.User) {
	token, err := s.tokens.Issue(domain.Principal{ID: user.ID, Email: user.Email})
	if err != nil {
		s.log.Error("token issue failed", "user_id", user.ID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, domain.TokenResponse{Token: token})
}

// handleUpgrade changes a user's plan. It is an operator endpoint guarded by
// the static admin token and disabled when none is configured.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminToken == "" {
		writeAPIError(w, http.StatusForbidden, "plan upgrades are disabled")
		return
	}
	token, err := auth.BearerToken(r)
	if err != nil || !auth.ConstantTimeEquals(token, s.cfg.AdminToken) {
		writeAPIError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || userID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req domain.UpgradeRequest
	if !decodeAPIBody(w, r, &req) {
		return
	}
	plan, ok := domain.ParsePlan(req.Plan)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	err = s.store.UpsertSubscription(r.Context(), userID, plan, req.ExpiresAt)
	if errors.Is(err, domain.ErrUserNotFound) {
		writeAPIError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.log.Error("subscription update failed", "user_id", userID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("subscription updated", "user_id", userID, "plan", plan)
	writeJSON(w, http.StatusOK, domain.MessageResponse{Message: fmt.Sprintf("Plan updated to %s", plan)})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	records, err := s.store.ListTunnels(r.Context(), p.ID)
	if err != nil {
		s.log.Error("tunnel listing failed", "user_id", p.ID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]domain.TunnelInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.TunnelInfo{
			Name:            rec.Name,
			URL:             rec.URL,
			Active:          rec.Active,
			Connected:       s.hub.lookup(rec.Name) != nil,
			CreatedAt:       rec.CreatedAt,
			LastConnectedAt: rec.LastConnectedAt,
			DisconnectedAt:  rec.DisconnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTunnelStats returns usage counters for a tunnel the caller owns.
// Foreign and unknown names look the same.
func (s *Server) handleTunnelStats(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	name := strings.ToLower(mux.Vars(r)["name"])
	rec, err := s.store.FindTunnel(r.Context(), name)
	if errors.Is(err, domain.ErrTunnelNotFound) || (err == nil && rec.UserID != p.ID) {
		writeAPIError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		s.log.Error("tunnel lookup failed", "tunnel", name, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := domain.UsageResponse{Name: rec.Name}
	stats, err := s.admission.Usage(r.Context(), rec.Name)
	switch {
	case errors.Is(err, domain.ErrTunnelNotFound):
	case err != nil:
		s.log.Error("usage lookup failed", "tunnel", name, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	default:
		resp.Requests = stats.Requests
		resp.Bytes = stats.Bytes
		if !stats.LastSeen.IsZero() {
			resp.LastSeen = stats.LastSeen.UnixMilli()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeAPIBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeAPIError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}
