package scanning

import (
	"context"
	"sort"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/anstrom/batchscan/internal/scanning Engine,Analyzer

// EngineResult is what an engine found on one target.
type EngineResult struct {
	// Hosts are the addresses the target resolved to and found up.
	Hosts []string
	// Ports holds open ports only.
	Ports []PortInfo
	// Raw is the engine's native output, e.g. nmap XML.
	Raw []byte
	// Warnings reported by the engine that did not fail the scan.
	Warnings []string
}

// Engine performs the packet-level scan of a single target. Implementations
// should honour ctx, but the executor does not rely on it.
type Engine interface {
	Scan(ctx context.Context, target string, opts Options) (*EngineResult, error)
	// Check reports whether the engine can run at all.
	Check(ctx context.Context) error
}

// SortPorts orders ports by number, protocol, then host.
func SortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].Port != ports[j].Port {
			return ports[i].Port < ports[j].Port
		}
		if ports[i].Protocol != ports[j].Protocol {
			return ports[i].Protocol < ports[j].Protocol
		}
		return ports[i].Host < ports[j].Host
	})
}

// mergePorts appends ports from next not already present in base.
func mergePorts(base, next []PortInfo) ([]PortInfo, int) {
	type key struct {
		host  string
		port  int
		proto string
	}
	seen := make(map[key]bool, len(base))
	for _, p := range base {
		seen[key{p.Host, p.Port, p.Protocol}] = true
	}

	added := 0
	for _, p := range next {
		k := key{p.Host, p.Port, p.Protocol}
		if seen[k] {
			continue
		}
		seen[k] = true
		base = append(base, p)
		added++
	}
	return base, added
}

func mergeHosts(base, next []string) []string {
	seen := make(map[string]bool, len(base))
	for _, h := range base {
		seen[h] = true
	}
	for _, h := range next {
		if !seen[h] {
			seen[h] = true
			base = append(base, h)
		}
	}
	return base
}
