package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"heartfailure/db"
	"heartfailure/ml"
	"heartfailure/monitoring"
)

const (
	indexMessage      = "This is a test endpoint."
	predictGetMessage = "Send a POST request to this endpoint with 'features' data."
)

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /predict", s.handlePredictHint)
	mux.HandleFunc("POST /predict", s.handlePredict)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/training/log", s.handleTrainingLog)
	mux.HandleFunc("GET /api/predictions/recent", s.handleRecentPredictions)
	if s.feed != nil {
		mux.HandleFunc("GET /api/ws/predictions", s.feed.HandleWebSocket)
	}
}

// ModelResponse 评分接口统一响应
type ModelResponse struct {
	Predictions []PredictionResult `json:"predictions"`
	Error       *string            `json:"error"`
}

// PredictionResult 单条评分结果
type PredictionResult struct {
	Prediction       jsonFloat `json:"prediction"`
	ProbabilityTrue  float64   `json:"probability_true"`
	ProbabilityFalse float64   `json:"probability_false"`
}

// jsonFloat always carries a decimal point, so class 1 encodes as 1.0.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errors.New("jsonFloat: non-finite value")
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// ValidationDetail 字段校验错误，与 {"detail":[...]} 结构兼容
type ValidationDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

type validationResponse struct {
	Detail []ValidationDetail `json:"detail"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, errorResponse(indexMessage), s.logger)
}

func (s *Server) handlePredictHint(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, errorResponse(predictGetMessage), s.logger)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := GetStartTime(r.Context())
	if start.IsZero() {
		start = time.Now()
	}

	model, err := s.models.Model()
	if err != nil {
		s.logger.Error("prediction without model", zap.Error(err))
		s.metrics.RecordFailure(monitoring.OutcomeModelError, "")
		respondJSON(w, http.StatusServiceUnavailable, errorResponse("model is not loaded"), s.logger)
		return
	}

	features, detail, err := decodeFeatures(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.metrics.RecordFailure(monitoring.OutcomeBadRequest, "")
		respondJSON(w, status, errorResponse("malformed request body: "+err.Error()), s.logger)
		return
	}
	if detail != nil {
		s.metrics.RecordFailure(monitoring.OutcomeValidation, "features")
		respondJSON(w, http.StatusUnprocessableEntity, validationResponse{Detail: []ValidationDetail{*detail}}, s.logger)
		return
	}

	vector, err := model.Vector(features)
	if err != nil {
		var verr *ml.ValidationError
		if !errors.As(err, &verr) {
			s.metrics.RecordFailure(monitoring.OutcomeBadRequest, "")
			respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()), s.logger)
			return
		}
		s.metrics.RecordFailure(monitoring.OutcomeValidation, verr.Field)
		respondJSON(w, http.StatusUnprocessableEntity, validationResponse{Detail: []ValidationDetail{fieldDetail(verr)}}, s.logger)
		return
	}

	key := vectorKey(vector)
	pred, cached := s.lookup(key)
	if !cached {
		pred, err = model.PredictVector(vector)
		if err != nil {
			s.logger.Error("prediction failed", zap.Error(err))
			s.metrics.RecordFailure(monitoring.OutcomeModelError, "")
			respondJSON(w, http.StatusInternalServerError, errorResponse("prediction failed"), s.logger)
			return
		}
		if s.cache != nil {
			s.cache.Add(key, pred)
		}
	}
	s.metrics.RecordPrediction(pred.Class, time.Since(start), cached)

	named := make(map[string]float64, len(vector))
	for i, name := range model.FeatureNames() {
		named[name] = vector[i]
	}
	s.record(r, pred, named, cached)

	respondJSON(w, http.StatusOK, ModelResponse{
		Predictions: []PredictionResult{{
			Prediction:       jsonFloat(pred.Class),
			ProbabilityTrue:  pred.ProbabilityTrue,
			ProbabilityFalse: pred.ProbabilityFalse,
		}},
	}, s.logger)
}

func (s *Server) lookup(key string) (ml.Prediction, bool) {
	if s.cache == nil {
		return ml.Prediction{}, false
	}
	return s.cache.Get(key)
}

// record 写入审计记录并推送到实时订阅者；失败只记录日志
func (s *Server) record(r *http.Request, pred ml.Prediction, features map[string]float64, cached bool) {
	requestID := GetRequestID(r.Context())
	if s.store != nil {
		rec := db.PredictionRecord{
			RequestID:        requestID,
			Features:         features,
			PredictedLabel:   pred.Class,
			ProbabilityTrue:  pred.ProbabilityTrue,
			ProbabilityFalse: pred.ProbabilityFalse,
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.store.SavePrediction(r.Context(), rec); err != nil {
			s.logger.Warn("prediction audit failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	if s.feed != nil {
		event := monitoring.PredictionEvent{
			RequestID:        requestID,
			Class:            pred.Class,
			ProbabilityTrue:  pred.ProbabilityTrue,
			ProbabilityFalse: pred.ProbabilityFalse,
			Features:         features,
			Cached:           cached,
		}
		if err := s.feed.PublishPrediction(event); err != nil {
			s.logger.Warn("prediction publish failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "model_loaded": false}
	if model, err := s.models.Model(); err == nil {
		resp["model_loaded"] = true
		resp["model_path"] = model.Path()
		resp["loaded_at"] = model.LoadedAt().UTC()
		resp["features"] = model.FeatureNames()
	}
	respondJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"scoring": s.metrics.Snapshot()}
	if s.cache != nil {
		resp["cache_entries"] = s.cache.Len()
	}
	if s.feed != nil {
		resp["feed_clients"] = s.feed.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp, s.logger)
}

// decodeFeatures 解析 {"features": {...}}。语法错误返回 err，
// 结构错误返回 detail。
func decodeFeatures(r *http.Request) (map[string]interface{}, *ValidationDetail, error) {
	var envelope map[string]json.RawMessage
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&envelope); err != nil {
		return nil, nil, err
	}
	raw, ok := envelope["features"]
	if !ok {
		return nil, &ValidationDetail{
			Loc:  []string{"body", "features"},
			Msg:  "field required",
			Type: "value_error.missing",
		}, nil
	}

	var features map[string]interface{}
	inner := json.NewDecoder(bytes.NewReader(raw))
	inner.UseNumber()
	if err := inner.Decode(&features); err != nil || features == nil {
		return nil, &ValidationDetail{
			Loc:  []string{"body", "features"},
			Msg:  "value is not a valid dict",
			Type: "type_error.dict",
		}, nil
	}
	return features, nil, nil
}

func fieldDetail(verr *ml.ValidationError) ValidationDetail {
	detail := ValidationDetail{Loc: []string{"body", "features", verr.Field}}
	if verr.Missing() {
		detail.Msg = "field required"
		detail.Type = "value_error.missing"
	} else {
		detail.Msg = "value is not a valid float"
		detail.Type = "type_error.float"
	}
	return detail
}

func vectorKey(vector []float64) string {
	var b strings.Builder
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

func errorResponse(msg string) ModelResponse {
	return ModelResponse{Error: &msg}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse(msg), nil)
}

// internalErrorBody is sent when a response cannot be encoded.
var internalErrorBody = []byte(`{"predictions":null,"error":"internal server error"}` + "\n")

// respondJSON encodes before writing the status so an encoding failure can
// still become a 500.
func respondJSON(w http.ResponseWriter, status int, data interface{}, logger *zap.Logger) {
	body, err := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		if logger != nil {
			logger.Error("failed to encode JSON", zap.Int("status", status), zap.Error(err))
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(internalErrorBody)
		return
	}
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
