package scanning

import (
	"context"
	"fmt"

	"github.com/anstrom/batchscan/internal/logging"
)

// Phase is one step of an adaptive scan.
type Phase struct {
	Name   string
	Ports  string
	Timing int
}

// AdaptiveConfig controls when an adaptive scan stops early.
type AdaptiveConfig struct {
	Phases []Phase
	// StopAfterPorts ends the scan once this many distinct open ports were
	// found. 0 disables the rule.
	StopAfterPorts int
	// MinPhasesBeforeIdleStop: a phase that adds nothing stops the scan once
	// more than this many phases have run.
	MinPhasesBeforeIdleStop int
}

// AdaptiveEngine runs a target through successive phases with widening port
// ranges, merging findings and stopping early when further phases are not
// expected to pay off.
type AdaptiveEngine struct {
	inner  Engine
	config AdaptiveConfig
	logger *logging.Logger
}

// NewAdaptiveEngine wraps inner with phase-based scanning.
func NewAdaptiveEngine(inner Engine, config AdaptiveConfig, logger *logging.Logger) *AdaptiveEngine {
	return &AdaptiveEngine{
		inner:  inner,
		config: config,
		logger: logger.WithComponent("adaptive"),
	}
}

// Check delegates to the wrapped engine.
func (a *AdaptiveEngine) Check(ctx context.Context) error {
	return a.inner.Check(ctx)
}

// Scan runs the configured phases. The port list in opts is replaced by each
// phase's ports; other options apply to every phase. Raw holds the output of
// the last phase that ran.
func (a *AdaptiveEngine) Scan(ctx context.Context, target string, opts Options) (*EngineResult, error) {
	if len(a.config.Phases) == 0 {
		return a.inner.Scan(ctx, target, opts)
	}

	combined := &EngineResult{Ports: []PortInfo{}}
	for i, phase := range a.config.Phases {
		phaseOpts := opts.WithPorts(phase.Ports).WithTiming(phase.Timing)

		result, err := a.inner.Scan(ctx, target, phaseOpts)
		if err != nil {
			if i == 0 || ctx.Err() != nil {
				return nil, err
			}
			a.logger.WarnScan("adaptive phase failed, keeping earlier findings", target, err, "phase", phase.Name)
			combined.Warnings = append(combined.Warnings, fmt.Sprintf("phase %s failed: %v", phase.Name, err))
			break
		}

		var added int
		combined.Ports, added = mergePorts(combined.Ports, result.Ports)
		combined.Hosts = mergeHosts(combined.Hosts, result.Hosts)
		combined.Warnings = append(combined.Warnings, result.Warnings...)
		if len(result.Raw) > 0 {
			combined.Raw = result.Raw
		}

		phasesRun := i + 1
		a.logger.Debug("adaptive phase completed", "target", target, "phase", phase.Name,
			"new_ports", added, "total_ports", len(combined.Ports))

		if a.shouldStop(phasesRun, added, len(combined.Ports)) {
			break
		}
	}

	SortPorts(combined.Ports)
	return combined, nil
}

func (a *AdaptiveEngine) shouldStop(phasesRun, added, total int) bool {
	if a.config.StopAfterPorts > 0 && total >= a.config.StopAfterPorts {
		return true
	}
	return added == 0 && phasesRun > a.config.MinPhasesBeforeIdleStop
}
