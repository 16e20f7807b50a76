package http

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"heartfailure/db"
	"heartfailure/ml"
)

// fixtureRecord is the fixture every test model is trained on.
var fixtureRecord = map[string]string{
	"age":               "60",
	"ejection_fraction": "38",
	"serum_sodium":      "137",
	"serum_creatinine":  "1.1",
	"time":              "120",
}

const fixtureBody = `{"features":{"age":60,"ejection_fraction":38,"serum_sodium":137,"serum_creatinine":1.1,"time":120}}`

// trainedScorer trains on identical death-event records and loads the result.
func trainedScorer(t *testing.T) *ml.Scorer {
	t.Helper()
	rows := make([]ml.Row, 0, 20)
	for i := 0; i < 20; i++ {
		row := ml.Row{ml.LabelName: "1"}
		for k, v := range fixtureRecord {
			row[k] = v
		}
		rows = append(rows, row)
	}
	cfg := ml.DefaultTrainConfig()
	cfg.ForestTrees = 3
	path := filepath.Join(t.TempDir(), "model", "clf.json")
	if _, err := ml.NewTrainer(cfg, nil).Run(context.Background(), rows, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scorer := ml.NewScorer()
	if err := scorer.Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return scorer
}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, cfg ServerConfig, deps Deps) *Server {
	t.Helper()
	if deps.Models == nil {
		deps.Models = trainedScorer(t)
	}
	server, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return server
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIndexAndPredictHint(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	tests := []struct {
		target string
		want   string
	}{
		{"/", `{"predictions":null,"error":"This is a test endpoint."}`},
		{"/predict", `{"predictions":null,"error":"Send a POST request to this endpoint with 'features' data."}`},
	}
	for _, tt := range tests {
		rr := do(t, h, http.MethodGet, tt.target, "")
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s: got status %d", tt.target, rr.Code)
		}
		if got := strings.TrimSpace(rr.Body.String()); got != tt.want {
			t.Errorf("GET %s: got %s want %s", tt.target, got, tt.want)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("GET %s: unexpected content type %q", tt.target, ct)
		}
	}
}

func TestPredictScoresAndAudits(t *testing.T) {
	store := openStore(t)
	server := newTestServer(t, DefaultServerConfig(), Deps{Store: store})

	rr := do(t, server.Handler(), http.MethodPost, "/predict", fixtureBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"prediction":1.0`) {
		t.Fatalf("expected class encoded as 1.0, got %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"error":null`) {
		t.Fatalf("expected null error, got %s", rr.Body.String())
	}

	var resp struct {
		Predictions []struct {
			Prediction       float64 `json:"prediction"`
			ProbabilityTrue  float64 `json:"probability_true"`
			ProbabilityFalse float64 `json:"probability_false"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Predictions) != 1 {
		t.Fatalf("expected one prediction, got %d", len(resp.Predictions))
	}
	p := resp.Predictions[0]
	if p.Prediction != 1 || p.ProbabilityTrue < 0.5 {
		t.Fatalf("unexpected prediction: %+v", p)
	}
	if sum := p.ProbabilityTrue + p.ProbabilityFalse; sum < 0.999999 || sum > 1.000001 {
		t.Fatalf("probabilities sum to %f", sum)
	}

	records, err := store.RecentPredictions(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(records))
	}
	if records[0].RequestID != rr.Header().Get("X-Request-ID") {
		t.Fatalf("audit request id %q does not match header %q", records[0].RequestID, rr.Header().Get("X-Request-ID"))
	}
	if records[0].Features["serum_creatinine"] != 1.1 || records[0].PredictedLabel != 1 {
		t.Fatalf("unexpected audit record: %+v", records[0])
	}
}

func TestPredictAcceptsStringsAndExtraFields(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()
	body := `{"features":{"time":"120","age":"60","serum_creatinine":1.1,"serum_sodium":137,"ejection_fraction":38,"anaemia":1}}`

	rr := do(t, h, http.MethodPost, "/predict", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPredictValidationErrors(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	tests := []struct {
		name    string
		body    string
		loc     []string
		errType string
	}{
		{
			name:    "missing field",
			body:    `{"features":{"age":60,"ejection_fraction":38,"serum_creatinine":1.1,"time":120}}`,
			loc:     []string{"body", "features", "serum_sodium"},
			errType: "value_error.missing",
		},
		{
			name:    "non numeric field",
			body:    `{"features":{"age":"old","ejection_fraction":38,"serum_sodium":137,"serum_creatinine":1.1,"time":120}}`,
			loc:     []string{"body", "features", "age"},
			errType: "type_error.float",
		},
		{
			name:    "null field",
			body:    `{"features":{"age":60,"ejection_fraction":null,"serum_sodium":137,"serum_creatinine":1.1,"time":120}}`,
			loc:     []string{"body", "features", "ejection_fraction"},
			errType: "type_error.float",
		},
		{
			name:    "missing features",
			body:    `{"age":60}`,
			loc:     []string{"body", "features"},
			errType: "value_error.missing",
		},
		{
			name:    "features not an object",
			body:    `{"features":[60,38,137,1.1,120]}`,
			loc:     []string{"body", "features"},
			errType: "type_error.dict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/predict", tt.body)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("got status %d: %s", rr.Code, rr.Body.String())
			}
			var resp validationResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if len(resp.Detail) != 1 {
				t.Fatalf("expected one detail, got %+v", resp.Detail)
			}
			d := resp.Detail[0]
			if strings.Join(d.Loc, ".") != strings.Join(tt.loc, ".") || d.Type != tt.errType {
				t.Fatalf("unexpected detail: %+v", d)
			}
		})
	}
}

func TestPredictMalformedBody(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	for _, body := range []string{`{"features":`, `not json`, `[]`} {
		rr := do(t, h, http.MethodPost, "/predict", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: got status %d", body, rr.Code)
		}
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 32
	h := newTestServer(t, cfg, Deps{}).Handler()

	rr := do(t, h, http.MethodPost, "/predict", fixtureBody)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d", rr.Code)
	}
}

func TestPredictWithoutModel(t *testing.T) {
	server := newTestServer(t, DefaultServerConfig(), Deps{Models: ml.NewScorer()})

	rr := do(t, server.Handler(), http.MethodPost, "/predict", fixtureBody)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d", rr.Code)
	}
	if snap := server.metrics.Snapshot(); snap.Outcomes["model_error"] != 1 {
		t.Fatalf("expected model error to be counted, got %v", snap.Outcomes)
	}

	rr = do(t, server.Handler(), http.MethodGet, "/api/health", "")
	if !strings.Contains(rr.Body.String(), `"model_loaded":false`) {
		t.Fatalf("unexpected health body: %s", rr.Body.String())
	}
}

func TestPredictCachesIdenticalRecords(t *testing.T) {
	server := newTestServer(t, DefaultServerConfig(), Deps{})
	h := server.Handler()

	first := do(t, h, http.MethodPost, "/predict", fixtureBody)
	second := do(t, h, http.MethodPost, "/predict", fixtureBody)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("got statuses %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("cached response differs: %s vs %s", first.Body.String(), second.Body.String())
	}
	snap := server.metrics.Snapshot()
	if snap.CacheHits != 1 || snap.Outcomes["scored"] != 2 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestMethodAndPathRouting(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	if rr := do(t, h, http.MethodPut, "/predict", fixtureBody); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /predict: got status %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET /nope: got status %d", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	rr := do(t, h, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	var resp struct {
		Status      string   `json:"status"`
		ModelLoaded bool     `json:"model_loaded"`
		Features    []string `json:"features"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Status != "ok" || !resp.ModelLoaded || len(resp.Features) != 5 {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestTrainingLogAndRecentPredictions(t *testing.T) {
	store := openStore(t)
	report := &ml.TrainingReport{
		TrainSize:        16,
		TestSize:         4,
		Estimators:       []ml.EstimatorReport{{Name: "svc", Kind: ml.KindSVM, Accuracy: 1}},
		EnsembleAccuracy: 1,
		StartedAt:        time.Now(),
	}
	if _, err := store.SaveTrainingReport(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := newTestServer(t, DefaultServerConfig(), Deps{Store: store}).Handler()

	rr := do(t, h, http.MethodGet, "/api/training/log", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":2`) {
		t.Fatalf("unexpected training log: %d %s", rr.Code, rr.Body.String())
	}

	for i := 0; i < 3; i++ {
		do(t, h, http.MethodPost, "/predict", fixtureBody)
	}
	rr = do(t, h, http.MethodGet, "/api/predictions/recent?limit=2", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":2`) {
		t.Fatalf("unexpected recent predictions: %d %s", rr.Code, rr.Body.String())
	}

	for _, bad := range []string{"0", "-1", "ten"} {
		if rr := do(t, h, http.MethodGet, "/api/predictions/recent?limit="+bad, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: got status %d", bad, rr.Code)
		}
	}
}

func TestAuditRoutesWithoutStore(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{}).Handler()

	for _, target := range []string{"/api/training/log", "/api/predictions/recent"} {
		if rr := do(t, h, http.MethodGet, target, ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s: got status %d", target, rr.Code)
		}
	}
}

func TestJSONFloatKeepsDecimalPoint(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{1, "1.0"},
		{0.25, "0.25"},
		{-3, "-3.0"},
	}
	for _, tt := range tests {
		got, err := json.Marshal(jsonFloat(tt.in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(got) != tt.want {
			t.Errorf("jsonFloat(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRespondJSONEncodingFailureIs500(t *testing.T) {
	rr := httptest.NewRecorder()
	respondJSON(rr, http.StatusOK, map[string]float64{"p": math.NaN()}, zap.NewNop())

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d", rr.Code)
	}
	var resp ModelResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json %q: %v", rr.Body.String(), err)
	}
	if resp.Error == nil || resp.Predictions != nil {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}
