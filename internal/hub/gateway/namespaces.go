package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/namespace"
)

// NamespaceCreateRequest carries the fields accepted at namespace creation.
type NamespaceCreateRequest struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name,omitempty"`
	Description     string   `json:"description,omitempty"`
	Owners          []string `json:"owners,omitempty"`
	DailyEventQuota int64    `json:"daily_event_quota,omitempty"`
	RetentionDays   int      `json:"retention_days,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// NamespaceListResponse wraps the namespace listing.
type NamespaceListResponse struct {
	Namespaces []*namespace.Config `json:"namespaces"`
	Count      int                 `json:"count"`
}

func (s *Server) handleNamespaceCreate(w http.ResponseWriter, r *http.Request) {
	var req NamespaceCreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	created, err := s.registry.Create(namespace.Config{
		Name:            req.Name,
		DisplayName:     req.DisplayName,
		Description:     req.Description,
		Owners:          req.Owners,
		DailyEventQuota: req.DailyEventQuota,
		RetentionDays:   req.RetentionDays,
		Tags:            req.Tags,
	})
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrNamespaceExists):
			renderError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, hub.ErrInvalidNamespace):
			renderError(w, r, http.StatusBadRequest, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

func (s *Server) handleNamespaceList(w http.ResponseWriter, r *http.Request) {
	namespaces := s.registry.List()
	render.JSON(w, r, NamespaceListResponse{Namespaces: namespaces, Count: len(namespaces)})
}

func (s *Server) handleNamespaceGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cfg, err := s.registry.Get(name)
	if err != nil {
		renderError(w, r, http.StatusNotFound, err.Error())
		return
	}

	render.JSON(w, r, cfg)
}

func (s *Server) handleNamespaceUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var upd namespace.Update
	if err := render.DecodeJSON(r.Body, &upd); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	updated, err := s.registry.Update(name, upd)
	if err != nil {
		renderError(w, r, http.StatusNotFound, err.Error())
		return
	}

	render.JSON(w, r, updated)
}
