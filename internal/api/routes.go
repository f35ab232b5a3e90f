// Package api exposes the conflict queue over HTTP for the review UI.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/db"
	"github.com/cybertec-postgresql/finsync/internal/record"
	"github.com/cybertec-postgresql/finsync/internal/sync"
)

// ConflictService is the part of the orchestrator the UI talks to.
type ConflictService interface {
	GetUnresolvedConflicts() []conflict.Conflict
	GetConflict(id string) (conflict.Conflict, error)
	ManualResolveConflict(ctx context.Context, id string, strategy conflict.Strategy,
		choices map[string]conflict.Choice) (*conflict.Resolution, error)
	ResolveConflicts(ctx context.Context) sync.Summary
}

// ResolutionHistory reads the audit trail of a record.
type ResolutionHistory interface {
	Resolutions(ctx context.Context, key record.Key) ([]db.AuditEntry, error)
}

// ServerOption configures the router
type ServerOption func(*Routes)

// WithResolutionHistory enables GET /records/{table}/{recordId}/resolutions.
func WithResolutionHistory(h ResolutionHistory) ServerOption {
	return func(r *Routes) { r.history = h }
}

// WithMiddlewares adds middleware to the router
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(r *Routes) { r.middlewares = append(r.middlewares, mw...) }
}

// Routes holds dependencies for the handlers.
type Routes struct {
	service     ConflictService
	history     ResolutionHistory
	middlewares []func(http.Handler) http.Handler
}

// NewServer creates the HTTP router
func NewServer(svc ConflictService, opts ...ServerOption) *chi.Mux {
	routes := &Routes{service: svc}
	for _, opt := range opts {
		opt(routes)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	for _, mw := range routes.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", routes.health)
	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", routes.listConflicts)
		r.Post("/resolve", routes.resolveAll)
		r.Get("/{id}", routes.getConflict)
		r.Post("/{id}/resolve", routes.resolveConflict)
	})
	if routes.history != nil {
		r.Get("/records/{table}/{recordId}/resolutions", routes.listResolutions)
	}
	return r
}

// ResolveRequest is the body of POST /conflicts/{id}/resolve.
type ResolveRequest struct {
	Strategy     string                     `json:"strategy"`
	FieldChoices map[string]conflict.Choice `json:"fieldChoices,omitempty"`
}

// ConflictListResponse is the body of GET /conflicts.
type ConflictListResponse struct {
	Conflicts []conflict.Conflict `json:"conflicts"`
	Count     int                 `json:"count"`
}

func (routes *Routes) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// listConflicts handles GET /conflicts
func (routes *Routes) listConflicts(w http.ResponseWriter, _ *http.Request) {
	list := routes.service.GetUnresolvedConflicts()
	if list == nil {
		list = []conflict.Conflict{}
	}
	WriteJSONResponse(w, ConflictListResponse{Conflicts: list, Count: len(list)}, http.StatusOK)
}

// getConflict handles GET /conflicts/{id}
func (routes *Routes) getConflict(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "id")
	if err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := routes.service.GetConflict(id)
	if err != nil {
		writeConflictError(w, err)
		return
	}
	WriteJSONResponse(w, c, http.StatusOK)
}

// resolveConflict handles POST /conflicts/{id}/resolve
func (routes *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "id")
	if err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	strategy, err := conflict.ParseStrategy(strings.ToUpper(req.Strategy))
	if err != nil {
		writeConflictError(w, err)
		return
	}
	for name, choice := range req.FieldChoices {
		choice.Side = conflict.Side(strings.ToUpper(string(choice.Side)))
		req.FieldChoices[name] = choice
	}

	res, err := routes.service.ManualResolveConflict(r.Context(), id, strategy, req.FieldChoices)
	if err != nil {
		writeConflictError(w, err)
		return
	}
	WriteJSONResponse(w, res, http.StatusOK)
}

// resolveAll handles POST /conflicts/resolve
func (routes *Routes) resolveAll(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, routes.service.ResolveConflicts(r.Context()), http.StatusOK)
}

// listResolutions handles GET /records/{table}/{recordId}/resolutions
func (routes *Routes) listResolutions(w http.ResponseWriter, r *http.Request) {
	table, err := urlParam(r, "table")
	if err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	recordID, err := urlParam(r, "recordId")
	if err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := routes.history.Resolutions(r.Context(), record.Key{Table: table, RecordID: recordID})
	if err != nil {
		writeConflictError(w, err)
		return
	}
	if entries == nil {
		entries = []db.AuditEntry{}
	}
	WriteJSONResponse(w, entries, http.StatusOK)
}

func urlParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(chi.URLParam(r, name))
	if v == "" {
		return "", fmt.Errorf("%s cannot be empty", name)
	}
	return v, nil
}
