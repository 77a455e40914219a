package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"taskpilot/internal/jobs"

	"github.com/go-chi/chi/v5"
)

type JobStore interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, status jobs.Status, limit int) ([]jobs.Job, error)
}

type JobHandler struct {
	Jobs JobStore
}

// List serves GET /jobs?status=&limit=, newest first.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := jobs.Status(q.Get("status"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.Jobs.List(r.Context(), status, limit)
	if errors.Is(err, jobs.ErrBadStatus) {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	views := make([]jobs.View, 0, len(list))
	for i := range list {
		views = append(views, list[i].View())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobs": views,
	})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	j, err := h.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(j.View())
}
