package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/engine"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/provider"
	"github.com/sells-group/visibility-engine/internal/store"
)

// handleCreateRun answers 201 for a new run, 200 for a deduplicated one, and
// 422 with the failed run when a model cannot be served.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, created, err := s.engine.CreateRun(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && provider.IsConfig(err) && run != nil:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Run: run})
		return
	case err != nil:
		zap.L().Error("api: create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	if created {
		writeJSON(w, http.StatusCreated, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.RunFilter

	if v := q.Get("status"); v != "" {
		status := model.RunStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := s.engine.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "run summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListModels())
}

func writeLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

// intParam parses an optional non-negative integer query parameter.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
