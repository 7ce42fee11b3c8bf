// Package analysis provides the default result analyzer: a static table of
// risky ports that classifies each successful scan record.
package analysis

import (
	"fmt"
	"math"
	"slices"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scanning"
)

const (
	maxScore = 10.0

	highPortWeight   = 3.0
	mediumPortWeight = 1.0
	otherPortWeight  = 0.25
)

// Recommendation texts.
const (
	RecommendImmediateReview = "Immediate security review recommended"
	RecommendFirewall        = "Consider firewall rules to restrict access"
	RecommendReplacePlain    = "Replace unencrypted protocols with secure alternatives"
	RecommendReviewPorts     = "Review if all open ports are necessary"
)

var (
	highRiskPorts   = []int{21, 23, 135, 139, 445, 1433, 3306, 3389, 5432}
	mediumRiskPorts = []int{25, 53, 80, 110, 143, 161, 993, 995}
)

type portIssue struct {
	severity    scanning.RiskLevel
	description string
	plaintext   bool
}

var portIssues = map[int]portIssue{
	21:  {scanning.RiskMedium, "FTP may allow anonymous access or use weak authentication", false},
	23:  {scanning.RiskHigh, "Telnet transmits data in plaintext", true},
	135: {scanning.RiskMedium, "Windows networking services exposed", false},
	139: {scanning.RiskMedium, "Windows networking services exposed", false},
	161: {scanning.RiskMedium, "SNMP may disclose device information", false},
	445: {scanning.RiskMedium, "Windows networking services exposed", false},
}

// Config holds the analyzer thresholds.
type Config struct {
	// MediumPortThreshold is how many medium-risk ports a record may expose
	// before it is classified medium.
	MediumPortThreshold int
	// ManyPortsThreshold triggers the "review open ports" recommendation.
	ManyPortsThreshold int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{MediumPortThreshold: 2, ManyPortsThreshold: 10}
}

// RiskTable is the default scanning.Analyzer. It holds no mutable state and
// is safe for concurrent use.
type RiskTable struct {
	config Config
}

var _ scanning.Analyzer = (*RiskTable)(nil)

// NewRiskTable creates a risk table analyzer.
func NewRiskTable(cfg Config) *RiskTable {
	return &RiskTable{config: cfg}
}

// Analyze classifies a record. Records that did not succeed are not analyzed
// and yield a nil analysis.
func (t *RiskTable) Analyze(record scanning.ScanRecord) (*scanning.Analysis, error) {
	if !record.Succeeded() {
		return nil, nil
	}

	for _, p := range record.OpenPorts {
		if p.Port < 1 || p.Port > 65535 {
			return nil, errors.NewScanErrorWithTarget(errors.CodeAnalysisError,
				fmt.Sprintf("invalid port number %d in record", p.Port), record.Target)
		}
	}

	result := &scanning.Analysis{
		RiskLevel:       scanning.RiskLow,
		Recommendations: []string{},
		Issues:          []scanning.Issue{},
	}

	var high, medium int
	var score float64
	plaintext := false
	seen := make(map[int]bool, len(record.OpenPorts))

	for _, p := range record.OpenPorts {
		// tcp and udp on the same port count once
		if seen[p.Port] {
			continue
		}
		seen[p.Port] = true

		switch {
		case slices.Contains(highRiskPorts, p.Port):
			high++
			score += highPortWeight
		case slices.Contains(mediumRiskPorts, p.Port):
			medium++
			score += mediumPortWeight
		default:
			score += otherPortWeight
		}

		if issue, ok := portIssues[p.Port]; ok {
			result.Issues = append(result.Issues, scanning.Issue{
				Port:        p.Port,
				Severity:    issue.severity,
				Description: issue.description,
			})
			plaintext = plaintext || issue.plaintext
		}
	}

	switch {
	case high > 0:
		result.RiskLevel = scanning.RiskHigh
	case medium > t.config.MediumPortThreshold:
		result.RiskLevel = scanning.RiskMedium
	}

	if result.RiskLevel == scanning.RiskHigh {
		result.Recommendations = append(result.Recommendations, RecommendImmediateReview, RecommendFirewall)
	}
	if plaintext {
		result.Recommendations = append(result.Recommendations, RecommendReplacePlain)
	}
	if t.config.ManyPortsThreshold > 0 && len(seen) > t.config.ManyPortsThreshold {
		result.Recommendations = append(result.Recommendations, RecommendReviewPorts)
	}

	result.RiskScore = math.Round(math.Min(score, maxScore)*100) / 100
	return result, nil
}
