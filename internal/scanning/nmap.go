package scanning

import (
	"context"
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Ullaakut/nmap/v3"
	"github.com/google/uuid"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
)

const (
	defaultNmapBinary = "nmap"
	openPortState     = "open"
	hostUpState       = "up"
)

// NmapConfig configures the nmap engine.
type NmapConfig struct {
	// BinaryPath overrides the nmap binary, empty means PATH lookup.
	BinaryPath string
	// MaxProcesses caps concurrent nmap processes, 0 means unlimited.
	MaxProcesses int
}

// NmapEngine runs scans through the nmap binary.
type NmapEngine struct {
	binaryPath string
	resources  ResourceManager
	logger     *logging.Logger
}

// NewNmapEngine creates an engine backed by nmap.
func NewNmapEngine(cfg NmapConfig, logger *logging.Logger) *NmapEngine {
	engine := &NmapEngine{
		binaryPath: cfg.BinaryPath,
		logger:     logger.WithComponent("nmap"),
	}
	if cfg.MaxProcesses > 0 {
		engine.resources = NewFixedResourceManager(cfg.MaxProcesses)
	}
	return engine
}

// Check verifies that the nmap binary can be found.
func (e *NmapEngine) Check(_ context.Context) error {
	binary := e.binaryPath
	if binary == "" {
		binary = defaultNmapBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errors.ErrEngineUnavailable(err)
	}
	return nil
}

// Scan runs nmap against a single target and returns its open ports.
func (e *NmapEngine) Scan(ctx context.Context, target string, opts Options) (*EngineResult, error) {
	if err := e.Check(ctx); err != nil {
		var scanErr *errors.ScanError
		if stderrors.As(err, &scanErr) {
			scanErr.Target = target
		}
		return nil, err
	}

	if e.resources != nil {
		scanID := uuid.NewString()
		if err := e.resources.Acquire(ctx, scanID); err != nil {
			return nil, classifyNmapError(ctx, target, err)
		}
		defer e.resources.Release(scanID)
	}

	scanner, err := nmap.NewScanner(ctx, e.buildScanOptions(target, opts)...)
	if err != nil {
		return nil, classifyNmapError(ctx, target, err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, classifyNmapError(ctx, target, err)
	}

	engineResult := convertNmapResults(result)
	if warnings != nil && len(*warnings) > 0 {
		engineResult.Warnings = append(engineResult.Warnings, *warnings...)
		e.logger.Debug("nmap reported warnings", "target", target, "warnings", *warnings)
	}

	if opts.SaveRaw {
		raw, err := xml.Marshal(result)
		if err != nil {
			e.logger.WarnScan("failed to encode raw nmap output", target, err)
		} else {
			engineResult.Raw = append([]byte(xml.Header), raw...)
		}
	}

	return engineResult, nil
}

// buildScanOptions maps scan options onto nmap flags.
func (e *NmapEngine) buildScanOptions(target string, opts Options) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(opts.Ports),
	}

	if e.binaryPath != "" {
		options = append(options, nmap.WithBinaryPath(e.binaryPath))
	}

	if opts.Stealth {
		// polite timing at most; slower explicit timings are kept
		timing := nmap.TimingPolite
		if nmap.Timing(opts.Timing) < timing {
			timing = nmap.Timing(opts.Timing)
		}
		options = append(options,
			nmap.WithConnectScan(),
			nmap.WithTimingTemplate(timing),
		)
	} else {
		options = append(options, nmap.WithTimingTemplate(nmap.Timing(opts.Timing)))
	}

	if opts.Aggressive {
		options = append(options, nmap.WithAggressiveScan())
	}
	if opts.ServiceDetection {
		options = append(options, nmap.WithServiceInfo())
	}
	if opts.OSDetection {
		options = append(options, nmap.WithOSDetection())
	}
	if opts.FragmentPackets {
		options = append(options, nmap.WithFragmentPackets())
	}
	if len(opts.Scripts) > 0 {
		options = append(options, nmap.WithScripts(strings.Join(opts.Scripts, ",")))
	}
	if opts.MinRate > 0 {
		options = append(options, nmap.WithMinRate(opts.MinRate))
	}
	if opts.MaxRate > 0 {
		options = append(options, nmap.WithMaxRate(opts.MaxRate))
	}

	options = append(options,
		nmap.WithSkipHostDiscovery(),
		nmap.WithVerbosity(1),
	)

	return options
}

// convertNmapResults keeps up hosts and their open ports, sorted.
func convertNmapResults(result *nmap.Run) *EngineResult {
	engineResult := &EngineResult{Ports: []PortInfo{}}
	if result == nil {
		return engineResult
	}

	for i := range result.Hosts {
		h := &result.Hosts[i]
		if len(h.Addresses) == 0 {
			continue
		}
		if h.Status.State != "" && h.Status.State != hostUpState {
			continue
		}
		addr := h.Addresses[0].Addr
		engineResult.Hosts = mergeHosts(engineResult.Hosts, []string{addr})

		var ports []PortInfo
		for j := range h.Ports {
			p := &h.Ports[j]
			if p.State.State != openPortState {
				continue
			}
			ports = append(ports, PortInfo{
				Host:     addr,
				Port:     int(p.ID),
				Protocol: p.Protocol,
				State:    p.State.State,
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
			})
		}
		engineResult.Ports, _ = mergePorts(engineResult.Ports, ports)
	}

	SortPorts(engineResult.Ports)
	return engineResult
}

// classifyNmapError maps nmap failures onto the error taxonomy.
func classifyNmapError(ctx context.Context, target string, err error) *errors.ScanError {
	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapScanErrorWithTarget(errors.CodeScanTimeout, "nmap scan timed out", target, err)
	case stderrors.Is(ctx.Err(), context.Canceled), stderrors.Is(err, context.Canceled):
		return errors.WrapScanErrorWithTarget(errors.CodeCancelled, "nmap scan cancelled", target, err)
	case stderrors.Is(err, exec.ErrNotFound):
		scanErr := errors.ErrEngineUnavailable(err)
		scanErr.Target = target
		return scanErr
	default:
		return errors.WrapScanErrorWithTarget(errors.CodeScanExecutionError,
			fmt.Sprintf("nmap failed: %s", firstLine(err.Error())), target, err)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
