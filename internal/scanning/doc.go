// Package scanning runs a scan of a single target and describes its outcome.
//
// # Overview
//
// The package is built around three pieces:
//   - Options: an immutable value describing how to scan (ports, timing,
//     detection flags, scripts, packet rates, timeout and retry policy).
//   - Engine: the seam to the packet-level scanner. NmapEngine drives the
//     nmap binary, AdaptiveEngine wraps any engine with phase-based scanning.
//   - Executor: turns one (target, options) pair into exactly one ScanRecord,
//     whatever happens.
//
// # Records
//
// A ScanRecord always ends in one of four statuses: success, failed,
// timed_out or cancelled. Every non-success record carries an
// errors.ScanError whose code explains the failure:
//
//   - INVALID_TARGET: the target is not an address, CIDR block, hostname or
//     address range. The engine is never invoked.
//   - ENGINE_UNAVAILABLE: the nmap binary could not be found.
//   - SCAN_TIMEOUT: the attempt ran past Options.Timeout.
//   - SCAN_EXECUTION_ERROR: the engine failed or panicked.
//   - CANCELLED: the caller's context ended first.
//
// Timeouts and execution errors are retried up to Options.Retries times with
// exponential backoff. Records are appended to a batch as values; the only
// change allowed afterwards is AttachAnalysis.
//
// # Usage
//
//	engine := scanning.NewNmapEngine(scanning.NmapConfig{}, logger)
//	executor := scanning.NewExecutor(engine, logger)
//
//	opts := scanning.DefaultOptions().WithPorts("22,80,443")
//	if err := opts.Validate(); err != nil {
//		return err
//	}
//
//	record := executor.Execute(ctx, "scanme.nmap.org", opts)
//	fmt.Println(record.Status, len(record.OpenPorts))
//
// # Optimizer
//
// Optimizer tunes options for a whole batch from the target list: timing by
// batch size, service detection, OS detection for small batches, NSE scripts
// chosen from target names and extra ports for database-looking hosts.
package scanning
