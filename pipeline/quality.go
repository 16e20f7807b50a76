package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"heartfailure/ml"
)

// QualityRule 质量规则，只报告问题，不修改数据
type QualityRule interface {
	Check(row ml.Row) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"` // low, medium, high
	Row      int    `json:"row"`
	Message  string `json:"message"`
}

// QualityStats 审计统计
type QualityStats struct {
	TotalChecked int64            `json:"total_checked"`
	Flagged      int64            `json:"flagged"`
	Issues       map[string]int64 `json:"issues"`
	LastAudit    time.Time        `json:"last_audit"`
}

// QualityAuditor 数据质量审计器
type QualityAuditor struct {
	rules []QualityRule

	stats     QualityStats
	statsLock sync.RWMutex
}

// NewQualityAuditor 创建审计器，带临床取值范围规则
func NewQualityAuditor() *QualityAuditor {
	auditor := &QualityAuditor{
		stats: QualityStats{Issues: make(map[string]int64)},
	}
	auditor.AddRule(NewRangeRule("age", 0, 120))
	auditor.AddRule(NewRangeRule("ejection_fraction", 0, 100))
	auditor.AddRule(NewRangeRule("serum_sodium", 90, 180))
	auditor.AddRule(NewRangeRule("serum_creatinine", 0, 20))
	auditor.AddRule(NewRangeRule("time", 0, 3650))
	return auditor
}

// AddRule 添加规则
func (qa *QualityAuditor) AddRule(rule QualityRule) {
	qa.rules = append(qa.rules, rule)
}

// Audit 检查所有行；rows 原样交给训练器
func (qa *QualityAuditor) Audit(rows []ml.Row) []QualityIssue {
	var issues []QualityIssue

	qa.statsLock.Lock()
	defer qa.statsLock.Unlock()

	for i, row := range rows {
		qa.stats.TotalChecked++
		flagged := false
		for _, rule := range qa.rules {
			if err := rule.Check(row); err != nil {
				issues = append(issues, QualityIssue{
					Rule:     rule.Name(),
					Severity: "medium",
					Row:      i + 1,
					Message:  err.Error(),
				})
				qa.stats.Issues[rule.Name()]++
				flagged = true
			}
		}
		if flagged {
			qa.stats.Flagged++
		}
	}
	qa.stats.LastAudit = time.Now()
	return issues
}

// GetStats 获取统计
func (qa *QualityAuditor) GetStats() QualityStats {
	qa.statsLock.RLock()
	defer qa.statsLock.RUnlock()

	stats := qa.stats
	stats.Issues = make(map[string]int64, len(qa.stats.Issues))
	for k, v := range qa.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// RangeRule 数值范围规则
type RangeRule struct {
	Column string
	Min    float64
	Max    float64
}

// NewRangeRule 创建范围规则
func NewRangeRule(column string, min, max float64) *RangeRule {
	return &RangeRule{Column: column, Min: min, Max: max}
}

func (r *RangeRule) Name() string {
	return "range_" + r.Column
}

// Check 缺失或非数值交给 ml.BuildDataset 报 DataError，这里只看范围
func (r *RangeRule) Check(row ml.Row) error {
	raw, ok := row[r.Column]
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%s=%g outside [%g, %g]", r.Column, v, r.Min, r.Max)
	}
	return nil
}
