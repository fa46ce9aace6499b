package domain

import "time"

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// CoverageCell summarizes outputs sharing one tag and difficulty bucket.
type CoverageCell struct {
	Count    int     `json:"count"`
	AvgScore float64 `json:"avgScore"`
}

// RankEntry is one run's head-to-head record.
type RankEntry struct {
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"winRate"`
}

// SafetyCounts tallies detector hits.
type SafetyCounts struct {
	Scanned   int `json:"scanned"`
	PII       int `json:"pii"`
	Toxic     int `json:"toxic"`
	Jailbreak int `json:"jailbreak"`
}

// RunMetrics is the per-model-run slice of an iteration's metrics.
type RunMetrics struct {
	RunID          string             `json:"run_id"`
	ModelConfigID  string             `json:"model_config_id"`
	Status         RunStatus          `json:"status"`
	Composite      float64            `json:"composite"`
	CI             Interval           `json:"ci"`
	Criteria       map[string]float64 `json:"criteria"`
	Outputs        int                `json:"outputs"`
	Judgments      int                `json:"judgments"`
	CostMilliCents MilliCents         `json:"cost_millicents"`
	Tokens         int64              `json:"tokens"`
	Safety         SafetyCounts       `json:"safety"`
}

// Metrics is the aggregate snapshot written to an iteration exactly once.
type Metrics struct {
	Composite      float64                            `json:"composite"`
	CI             Interval                           `json:"ci"`
	Criteria       map[string]float64                 `json:"criteria"`
	Runs           []RunMetrics                       `json:"runs"`
	Facets         map[string]float64                 `json:"facets"`
	Coverage       map[string]map[string]CoverageCell `json:"coverage"`
	Ranking        map[string]RankEntry               `json:"ranking,omitempty"`
	Safety         SafetyCounts                       `json:"safety"`
	CostMilliCents MilliCents                         `json:"cost_millicents"`
	Seed           uint64                             `json:"seed"`
	ComputedAt     time.Time                          `json:"computed_at"`
}
