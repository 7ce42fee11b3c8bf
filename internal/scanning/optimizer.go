package scanning

import (
	"strconv"
	"strings"
)

const (
	timingPolite     = 2
	timingNormal     = 3
	timingAggressive = 4

	webScripts     = "http-* and safe"
	defaultScripts = "safe"
)

var (
	webIndicators      = []string{"web", "www", "http", "api"}
	databaseIndicators = []string{"db", "database", "mysql", "postgres", "sql"}

	// Ports added when targets look like database servers.
	databasePorts = []int{1433, 1521, 3306, 5432, 6379, 27017}
)

// OptimizerConfig holds the batch size thresholds used by the optimizer.
type OptimizerConfig struct {
	// Batches larger than AggressiveAbove use timing 4.
	AggressiveAbove int
	// Batches larger than NormalAbove use timing 3, smaller ones timing 2.
	NormalAbove int
	// OS detection is only enabled for batches of at most this many targets.
	OSDetectionUpTo int
	// AddDatabasePorts extends the port list for database-looking targets.
	AddDatabasePorts bool
}

// DefaultOptimizerConfig returns the standard thresholds.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		AggressiveAbove:  100,
		NormalAbove:      10,
		OSDetectionUpTo:  50,
		AddDatabasePorts: true,
	}
}

// Optimizer tunes scan options for a whole batch from the target list.
// It is advisory: the returned options are a new value and the input is
// left untouched.
type Optimizer struct {
	config OptimizerConfig
}

// NewOptimizer creates an optimizer.
func NewOptimizer(config OptimizerConfig) *Optimizer {
	return &Optimizer{config: config}
}

// Optimize returns options tuned for scanning targets.
func (o *Optimizer) Optimize(targets []string, opts Options) Options {
	optimized := opts.Clone()
	count := len(targets)

	if !optimized.Stealth {
		switch {
		case count > o.config.AggressiveAbove:
			optimized.Timing = timingAggressive
		case count > o.config.NormalAbove:
			optimized.Timing = timingNormal
		default:
			optimized.Timing = timingPolite
		}
	}

	optimized.ServiceDetection = true
	if count <= o.config.OSDetectionUpTo {
		optimized.OSDetection = true
	}

	if len(optimized.Scripts) == 0 {
		if anyContains(targets, webIndicators) {
			optimized.Scripts = []string{webScripts}
		} else {
			optimized.Scripts = []string{defaultScripts}
		}
	}

	if o.config.AddDatabasePorts && anyContains(targets, databaseIndicators) {
		optimized.Ports = addPorts(optimized.Ports, databasePorts)
	}

	return optimized
}

func anyContains(targets, indicators []string) bool {
	for _, target := range targets {
		lower := strings.ToLower(target)
		for _, indicator := range indicators {
			if strings.Contains(lower, indicator) {
				return true
			}
		}
	}
	return false
}

// addPorts appends every port in extra that spec does not already cover.
func addPorts(spec string, extra []int) string {
	var missing []string
	for _, port := range extra {
		if !portSpecCovers(spec, port) {
			missing = append(missing, strconv.Itoa(port))
		}
	}
	if len(missing) == 0 {
		return spec
	}
	if spec == "" {
		return strings.Join(missing, ",")
	}
	return spec + "," + strings.Join(missing, ",")
}

// portSpecCovers reports whether port falls inside spec. Malformed entries
// are ignored.
func portSpecCovers(spec string, port int) bool {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if start, end, ok := strings.Cut(part, "-"); ok {
			lo, err1 := strconv.Atoi(strings.TrimSpace(start))
			hi, err2 := strconv.Atoi(strings.TrimSpace(end))
			if err1 == nil && err2 == nil && port >= lo && port <= hi {
				return true
			}
			continue
		}
		if p, err := strconv.Atoi(part); err == nil && p == port {
			return true
		}
	}
	return false
}
