// Package httpapi serves the permission service as a JSON HTTP API.
//
// Requests identify their caller with the X-DLS-User header. Errors are
// rendered as
//
//	{"error": {"kind": "not_allowed", "message": "...", "details": {...}}}
//
// with the status code given by dls.HTTPStatus.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/telemetry"
)

// UserHeader carries the name of the calling subject.
const UserHeader = "X-DLS-User"

const defaultMaxBodyBytes = 1 << 20

// Config configures the handler.
type Config struct {
	Public dls.Public
	// Private enables node creation and membership routes when set.
	Private *dls.Private
	Logger  *zap.Logger
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// Ready reports store health for /healthz. Nil always reports ok.
	Ready        func(ctx context.Context) error
	MaxBodyBytes int64
	ServiceName  string
}

type server struct {
	cfg    Config
	logger *zap.Logger
}

// NewHandler returns the API router.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))
	r.Use(s.limitBody)

	r.Get("/healthz", s.healthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", s.check)
		r.Post("/check_multi", s.checkMulti)
		r.Get("/nodes/{identifier}/permissions", s.getPermissions)
		r.Post("/nodes/{identifier}/permissions", s.modifyPermissions)
		r.Get("/subjects/{name}/groups", s.subjectGroups)

		if cfg.Private != nil {
			r.Post("/nodes", s.addNode)
			r.Post("/groups/{name}/members", s.addMembers)
			r.Delete("/groups/{name}/members", s.removeMembers)
		}
	})
	return r
}

func (s *server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) check(w http.ResponseWriter, r *http.Request) {
	var req dls.CheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Subject == "" {
		req.Subject = r.Header.Get(UserHeader)
	}
	res, err := s.cfg.Public.Check(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkMultiRequest struct {
	Subject string   `json:"subject"`
	Action  string   `json:"action"`
	Nodes   []string `json:"nodes"`
}

func (s *server) checkMulti(w http.ResponseWriter, r *http.Request) {
	var req checkMultiRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Subject == "" {
		req.Subject = r.Header.Get(UserHeader)
	}
	res, err := s.cfg.Public.CheckMulti(r.Context(), req.Subject, req.Action, req.Nodes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (s *server) getPermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := s.cfg.Public.GetNodePermissions(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *server) modifyPermissions(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}
	var req dls.ModifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Node = chi.URLParam(r, "identifier")
	req.Requester = requester
	res, err := s.cfg.Public.ModifyPermissions(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) subjectGroups(w http.ResponseWriter, r *http.Request) {
	includeSystem, _ := strconv.ParseBool(r.URL.Query().Get("system"))
	groups, err := s.cfg.Public.SubjectGroups(r.Context(), chi.URLParam(r, "name"), includeSystem)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []dls.Subject{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *server) addNode(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}
	var req dls.AddNodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Requester = requester
	res, err := s.cfg.Private.AddNode(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type membersRequest struct {
	Members []string `json:"members"`
}

func (s *server) addMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, s.cfg.Private.AddGroupMembers)
}

func (s *server) removeMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, s.cfg.Private.RemoveGroupMembers)
}

func (s *server) changeMembers(w http.ResponseWriter, r *http.Request, change func(context.Context, string, []string) error) {
	var req membersRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := change(r.Context(), chi.URLParam(r, "name"), req.Members); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		writeErrorBody(w, http.StatusUnauthorized, errorBody{
			Kind:    "unauthenticated",
			Message: "missing " + UserHeader + " header",
		})
		return "", false
	}
	return user, true
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeErrorBody(w, status, errorBody{Kind: "bad_request", Message: err.Error()})
		return false
	}
	return true
}
