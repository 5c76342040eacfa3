package archive

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// RoutePrefix is where [Routes] is mounted by the server.
const RoutePrefix = "/api/sessions"

// maxRecordBytes bounds a POSTed record.
const maxRecordBytes = 1 << 20

// Routes returns the HTTP API over a:
//
//	POST /      archive a record, answers 201 with the stored record
//	GET  /      list summaries, newest first (?limit=n)
//	GET  /{id}  fetch one record
func Routes(a *Archiver) chi.Router {
	h := &handler{a: a}
	r := chi.NewRouter()
	r.Post("/", h.save)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	return r
}

type handler struct {
	a *Archiver
}

func (h *handler) save(w http.ResponseWriter, r *http.Request) {
	var rec Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err := dec.Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	// Server assigns identity.
	rec.ID = ""
	rec.CreatedAt = rec.CreatedAt.UTC()

	saved, err := h.a.Archive(r.Context(), rec)
	if err != nil {
		if errors.Is(err, ErrDuplicateID) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate record"})
			return
		}
		if errors.Is(err, ErrInvalidRecord) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("archive: save failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	out, err := h.a.List(r.Context(), limit)
	if err != nil {
		slog.Error("archive: list failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if out == nil {
		out = []Summary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.a.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	if err != nil {
		slog.Error("archive: get failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
