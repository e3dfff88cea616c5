package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/engine"
	"github.com/sells-group/visibility-engine/internal/secrets"
)

type setKeyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

type setKeyResponse struct {
	Provider string `json:"provider"`
	Hint     string `json:"hint"`
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Key = strings.TrimSpace(req.Key)
	if req.Provider == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "provider and key are required")
		return
	}

	err := s.engine.SetAPIKey(r.Context(), req.Provider, req.Key)
	switch {
	case errors.Is(err, engine.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, secrets.ErrNoKey):
		writeError(w, http.StatusServiceUnavailable, "key storage is disabled: security.encryption_key is not set")
		return
	case err != nil:
		zap.L().Error("api: set api key", zap.String("provider", req.Provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "set api key failed")
		return
	}

	writeJSON(w, http.StatusOK, setKeyResponse{Provider: req.Provider, Hint: secrets.Hint(req.Key)})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.engine.ListAPIKeyProviders(r.Context())
	if err != nil {
		zap.L().Error("api: list api keys", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list api keys failed")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}
