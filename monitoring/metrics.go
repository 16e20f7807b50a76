package monitoring

import (
	"runtime"
	"sync"
	"time"
)

// Outcome 评分请求结果分类
type Outcome string

const (
	OutcomeScored     Outcome = "scored"
	OutcomeValidation Outcome = "validation_error"
	OutcomeBadRequest Outcome = "bad_request"
	OutcomeModelError Outcome = "model_error"
)

// ScoringMetrics 评分指标收集器
type ScoringMetrics struct {
	mu sync.Mutex

	requests      int64
	outcomes      map[Outcome]int64
	cacheHits     int64
	predicted     [2]int64
	totalLatency  time.Duration
	maxLatency    time.Duration
	lastScoredAt  time.Time
	invalidFields map[string]int64

	startTime time.Time
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	Requests       int64            `json:"requests"`
	Outcomes       map[string]int64 `json:"outcomes"`
	CacheHits      int64            `json:"cache_hits"`
	PredictedFalse int64            `json:"predicted_false"`
	PredictedTrue  int64            `json:"predicted_true"`
	InvalidFields  map[string]int64 `json:"invalid_fields"`
	MeanLatencyMs  float64          `json:"mean_latency_ms"`
	MaxLatencyMs   float64          `json:"max_latency_ms"`
	LastScoredAt   *time.Time       `json:"last_scored_at,omitempty"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Goroutines     int              `json:"goroutines"`
	HeapAllocBytes uint64           `json:"heap_alloc_bytes"`
}

// NewScoringMetrics 创建指标收集器
func NewScoringMetrics() *ScoringMetrics {
	return &ScoringMetrics{
		outcomes:      make(map[Outcome]int64),
		invalidFields: make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordPrediction 记录一次成功评分
func (m *ScoringMetrics) RecordPrediction(class int, latency time.Duration, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.outcomes[OutcomeScored]++
	if cached {
		m.cacheHits++
	}
	if class == 0 || class == 1 {
		m.predicted[class]++
	}
	m.totalLatency += latency
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	m.lastScoredAt = time.Now()
}

// RecordFailure 记录一次失败请求；field 仅对字段校验错误有意义
func (m *ScoringMetrics) RecordFailure(outcome Outcome, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.outcomes[outcome]++
	if field != "" {
		m.invalidFields[field]++
	}
}

// Snapshot 获取指标快照
func (m *ScoringMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := MetricsSnapshot{
		Requests:       m.requests,
		Outcomes:       make(map[string]int64, len(m.outcomes)),
		CacheHits:      m.cacheHits,
		PredictedFalse: m.predicted[0],
		PredictedTrue:  m.predicted[1],
		InvalidFields:  make(map[string]int64, len(m.invalidFields)),
		MaxLatencyMs:   float64(m.maxLatency) / float64(time.Millisecond),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
	}
	for k, v := range m.outcomes {
		snap.Outcomes[string(k)] = v
	}
	for k, v := range m.invalidFields {
		snap.InvalidFields[k] = v
	}
	if scored := m.outcomes[OutcomeScored]; scored > 0 {
		snap.MeanLatencyMs = float64(m.totalLatency) / float64(scored) / float64(time.Millisecond)
	}
	if !m.lastScoredAt.IsZero() {
		last := m.lastScoredAt
		snap.LastScoredAt = &last
	}
	return snap
}
