package http

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const (
	defaultRecentLimit = 50
	maxListLimit       = 500
)

func (s *Server) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "training log storage is not configured")
		return
	}
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}

	logs, err := s.store.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load training log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load training log")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": logs, "count": len(logs)}, s.logger)
}

func (s *Server) handleRecentPredictions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "prediction audit storage is not configured")
		return
	}
	limit, ok := parseLimit(w, r, defaultRecentLimit)
	if !ok {
		return
	}

	records, err := s.store.RecentPredictions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load predictions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load predictions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"predictions": records, "count": len(records)}, s.logger)
}

// parseLimit 读取 limit 查询参数，非法时直接写回 400
func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
