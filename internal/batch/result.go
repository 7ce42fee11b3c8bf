package batch

import (
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scanning"
)

// Batch-level recommendations.
const (
	RecommendHighRiskHosts  = "High-risk hosts detected - immediate review required"
	RecommendLowSuccessRate = "Low scan success rate - check network connectivity"
)

// lowSuccessRate is the succeeded/total ratio below which a batch is flagged.
const lowSuccessRate = 0.8

// ErrSealed is returned when adding to a result that has been sealed.
var ErrSealed = stderrors.New("batch result is sealed")

// Strategy is how a batch scheduled its targets.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Result is the aggregate over every record of one batch. Once sealed it is
// immutable and is the only input the report renderers accept.
type Result struct {
	ID           string                `json:"batch_id"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	Strategy     Strategy              `json:"strategy"`
	Concurrency  int                   `json:"concurrency"`
	TotalTargets int                   `json:"total_targets"`
	Succeeded    int                   `json:"succeeded"`
	Failed       int                   `json:"failed"`
	Stats        Stats                 `json:"statistics"`
	Records      []scanning.ScanRecord `json:"targets"`

	sealed bool
}

// Sealed reports whether statistics have been computed.
func (r *Result) Sealed() bool {
	return r != nil && r.sealed
}

// Duration returns the wall-clock length of the batch.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Stats holds the rollups computed when a result is sealed.
type Stats struct {
	StatusCounts    map[scanning.Status]int `json:"status_counts"`
	OpenPorts       int                     `json:"open_ports"`
	PortHistogram   []PortCount             `json:"port_histogram"`
	Risk            RiskRollup              `json:"risk"`
	Recommendations []string                `json:"recommendations"`
}

// PortCount is how many targets exposed one port.
type PortCount struct {
	Port     int    `json:"port" xml:"number,attr"`
	Protocol string `json:"protocol" xml:"protocol,attr"`
	Count    int    `json:"count" xml:"count,attr"`
}

// RiskRollup summarizes analyzer verdicts.
type RiskRollup struct {
	Levels         map[scanning.RiskLevel]int `json:"levels"`
	Analyzed       int                        `json:"analyzed"`
	Unanalyzed     int                        `json:"unanalyzed"`
	AnalysisErrors int                        `json:"analysis_errors"`
	AverageScore   float64                    `json:"average_score"`
	MaxScore       float64                    `json:"max_score"`
	HighRisk       []string                   `json:"high_risk_targets"`
}

// Accumulator collects records for one batch. It is safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	result *Result
}

// NewAccumulator creates an empty, unsealed result for a batch.
func NewAccumulator(id string, start time.Time, total int, strategy Strategy, concurrency int) *Accumulator {
	return &Accumulator{
		result: &Result{
			ID:           id,
			StartTime:    start,
			Strategy:     strategy,
			Concurrency:  concurrency,
			TotalTargets: total,
			Records:      make([]scanning.ScanRecord, 0, total),
		},
	}
}

// Add appends a record and returns how many records have been collected.
func (a *Accumulator) Add(record scanning.ScanRecord) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.result.sealed {
		return len(a.result.Records), ErrSealed
	}
	if len(a.result.Records) >= a.result.TotalTargets {
		return len(a.result.Records), fmt.Errorf("batch %s already holds %d records", a.result.ID, a.result.TotalTargets)
	}
	a.result.Records = append(a.result.Records, record)
	return len(a.result.Records), nil
}

// Len returns how many records have been collected.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.result.Records)
}

// Seal computes the statistics and freezes the result. Sealing twice returns
// the same result. It fails when records are missing.
func (a *Accumulator) Seal(end time.Time) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.result
	if r.sealed {
		return r, nil
	}
	if len(r.Records) != r.TotalTargets {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("batch %s has %d records for %d targets", r.ID, len(r.Records), r.TotalTargets))
	}

	if end.Before(r.StartTime) {
		end = r.StartTime
	}
	r.EndTime = end
	seal(r)
	return r, nil
}

// Aggregate builds a sealed result from a complete sequence of records.
func Aggregate(id string, start, end time.Time, records []scanning.ScanRecord) *Result {
	r := &Result{
		ID:           id,
		StartTime:    start,
		EndTime:      end,
		Strategy:     StrategySequential,
		Concurrency:  1,
		TotalTargets: len(records),
		Records:      append([]scanning.ScanRecord{}, records...),
	}
	if r.EndTime.Before(r.StartTime) {
		r.EndTime = r.StartTime
	}
	seal(r)
	return r
}

// Restore reseals a result decoded from storage, recomputing every count
// from its records. It fails when the stored counts disagree.
func Restore(decoded *Result) (*Result, error) {
	r := Aggregate(decoded.ID, decoded.StartTime, decoded.EndTime, decoded.Records)
	r.Strategy = decoded.Strategy
	r.Concurrency = decoded.Concurrency

	if decoded.TotalTargets != r.TotalTargets || decoded.Succeeded != r.Succeeded || decoded.Failed != r.Failed {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("stored batch %s has inconsistent counts", decoded.ID))
	}
	return r, nil
}

func seal(r *Result) {
	stats := Stats{
		StatusCounts:    make(map[scanning.Status]int, len(scanning.Statuses)),
		PortHistogram:   []PortCount{},
		Recommendations: []string{},
		Risk: RiskRollup{
			Levels:   make(map[scanning.RiskLevel]int, len(scanning.RiskLevels)),
			HighRisk: []string{},
		},
	}
	for _, s := range scanning.Statuses {
		stats.StatusCounts[s] = 0
	}
	for _, l := range scanning.RiskLevels {
		stats.Risk.Levels[l] = 0
	}

	type portKey struct {
		port     int
		protocol string
	}
	histogram := make(map[portKey]int)
	var scoreSum float64

	r.Succeeded, r.Failed = 0, 0
	for i := range r.Records {
		rec := &r.Records[i]
		stats.StatusCounts[rec.Status]++
		if rec.Succeeded() {
			r.Succeeded++
		} else {
			r.Failed++
		}

		stats.OpenPorts += len(rec.OpenPorts)
		seen := make(map[portKey]bool, len(rec.OpenPorts))
		for _, p := range rec.OpenPorts {
			key := portKey{p.Port, p.Protocol}
			if !seen[key] {
				seen[key] = true
				histogram[key]++
			}
		}

		switch {
		case !rec.Succeeded():
		case rec.Analysis == nil:
			stats.Risk.Unanalyzed++
		case rec.Analysis.Error != nil:
			stats.Risk.AnalysisErrors++
		default:
			stats.Risk.Analyzed++
			stats.Risk.Levels[rec.Analysis.RiskLevel]++
			scoreSum += rec.Analysis.RiskScore
			stats.Risk.MaxScore = math.Max(stats.Risk.MaxScore, rec.Analysis.RiskScore)
			if rec.Analysis.RiskLevel == scanning.RiskHigh {
				stats.Risk.HighRisk = append(stats.Risk.HighRisk, rec.Target)
			}
		}
	}

	for key, count := range histogram {
		stats.PortHistogram = append(stats.PortHistogram, PortCount{Port: key.port, Protocol: key.protocol, Count: count})
	}
	sort.Slice(stats.PortHistogram, func(i, j int) bool {
		a, b := stats.PortHistogram[i], stats.PortHistogram[j]
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Protocol < b.Protocol
	})
	sort.Strings(stats.Risk.HighRisk)

	if stats.Risk.Analyzed > 0 {
		stats.Risk.AverageScore = math.Round(scoreSum/float64(stats.Risk.Analyzed)*100) / 100
	}

	if stats.Risk.Levels[scanning.RiskHigh] > 0 {
		stats.Recommendations = append(stats.Recommendations, RecommendHighRiskHosts)
	}
	if r.TotalTargets > 0 && float64(r.Succeeded) < float64(r.TotalTargets)*lowSuccessRate {
		stats.Recommendations = append(stats.Recommendations, RecommendLowSuccessRate)
	}

	r.Stats = stats
	r.sealed = true
}
