package v1

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ceres919/go-webdav"
	"github.com/go-chi/chi/v5"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/usecase"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

const methodReport = "REPORT"

type handler struct {
	put    *usecase.PutUseCase
	del    *usecase.DeleteUseCase
	query  *usecase.QueryUseCase
	rights auth.Rights
	log    *logger.Logger
}

type syncRequest struct {
	SyncToken string `json:"sync_token"`
}

type syncResponse struct {
	SyncToken string   `json:"sync_token"`
	Changed   []string `json:"changed"`
}

// NewRouter mounts the storage routes on r.
func NewRouter(
	r chi.Router,
	l *logger.Logger,
	put *usecase.PutUseCase,
	del *usecase.DeleteUseCase,
	query *usecase.QueryUseCase,
	rights auth.Rights,
) {
	chi.RegisterMethod(methodReport)

	h := &handler{
		put:    put,
		del:    del,
		query:  query,
		rights: rights,
		log:    l.With(slog.String("component", "http/v1")),
	}

	r.Put("/*", h.handlePut)
	r.Get("/*", h.handleGet)
	r.Delete("/*", h.handleDelete)
	r.MethodFunc(methodReport, "/*", h.handleReport)
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	tag, err := h.put.Put(r.Context(), usecase.PutRequest{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        r.Body,
		IfMatch:     webdav.ConditionalMatch(r.Header.Get("If-Match")),
		IfNoneMatch: webdav.ConditionalMatch(r.Header.Get("If-None-Match")),
		Access:      auth.ForContext(r.Context(), h.rights),
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	w.Header().Set("ETag", tag)
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := h.query.Get(r.Context(), r.URL.Path, auth.ForContext(r.Context(), h.rights))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType+"; charset=utf-8")
	w.Header().Set("ETag", res.Etag)
	if res.LastModified != "" {
		w.Header().Set("Last-Modified", res.LastModified)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Body))
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.del.Delete(r.Context(), r.URL.Path,
		webdav.ConditionalMatch(r.Header.Get("If-Match")),
		auth.ForContext(r.Context(), h.rights))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errorResponse(w, r, errs.E(errs.KindBadRequest, "v1.handleReport", err))
		return
	}

	res, err := h.query.Sync(r.Context(), r.URL.Path, req.SyncToken, auth.ForContext(r.Context(), h.rights))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	changed := res.Changed
	if changed == nil {
		changed = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(syncResponse{SyncToken: res.Token, Changed: changed}); err != nil {
		h.log.Error("v1.handleReport - Encode", logger.Err(err))
	}
}
