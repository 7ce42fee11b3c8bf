// Package targets loads scan targets from files and command line arguments
// and validates target specifications. Loading is purely lexical; validation
// happens when a target is scheduled so that one bad line never rejects the
// whole batch.
package targets

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/anstrom/batchscan/internal/errors"
)

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
	maxLastOctet      = 255
	commentPrefix     = "#"
)

// Load reads one target per line, trimming whitespace and skipping blank
// lines and lines starting with '#'. Order and duplicates are preserved.
func Load(r io.Reader) ([]string, error) {
	var targets []string

	// Lines have no length limit; an oversized line becomes a target that
	// fails validation on its own.
	reader := bufio.NewReader(r)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read targets: %w", err)
		}

		line := strings.TrimSpace(raw)
		if line != "" && !strings.HasPrefix(line, commentPrefix) {
			targets = append(targets, line)
		}

		if err == io.EOF {
			return targets, nil
		}
	}
}

// LoadFile reads targets from the file at path.
func LoadFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.ErrIO("open target file", path, err)
	}
	defer func() { _ = file.Close() }()

	targets, err := Load(file)
	if err != nil {
		return nil, errors.ErrIO("read target file", path, err)
	}
	return targets, nil
}

// Parse splits a comma separated target list, e.g. from a CLI flag.
func Parse(list string) []string {
	var targets []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, commentPrefix) {
			continue
		}
		targets = append(targets, part)
	}
	return targets
}

// Validate checks that target is an IP address, a CIDR block, a hostname or
// an address range. Failures carry the INVALID_TARGET code.
func Validate(target string) error {
	if target == "" || strings.TrimSpace(target) != target {
		return errors.ErrInvalidTarget(target, "empty or padded target")
	}

	if _, err := netip.ParseAddr(target); err == nil {
		return nil
	}

	if strings.Contains(target, "/") {
		if _, err := netip.ParsePrefix(target); err != nil {
			return errors.ErrInvalidTarget(target, "malformed CIDR block")
		}
		return nil
	}

	if start, end, ok := strings.Cut(target, "-"); ok {
		if startAddr, err := netip.ParseAddr(start); err == nil {
			if err := validateRange(startAddr, end); err != nil {
				return errors.ErrInvalidTarget(target, err.Error())
			}
			return nil
		}
	}

	if err := validateHostname(target); err != nil {
		return errors.ErrInvalidTarget(target, err.Error())
	}
	return nil
}

// validateRange accepts "a.b.c.d-N" (last octet) and "start-end" ranges.
func validateRange(start netip.Addr, end string) error {
	if n, err := strconv.Atoi(end); err == nil {
		if !start.Is4() {
			return fmt.Errorf("octet ranges require an IPv4 start address")
		}
		first := int(start.As4()[3])
		if n < first || n > maxLastOctet {
			return fmt.Errorf("range end %d outside %d-%d", n, first, maxLastOctet)
		}
		return nil
	}

	endAddr, err := netip.ParseAddr(end)
	if err != nil {
		return fmt.Errorf("malformed range end %q", end)
	}
	if start.Is4() != endAddr.Is4() {
		return fmt.Errorf("range mixes address families")
	}
	if endAddr.Less(start) {
		return fmt.Errorf("range end precedes start")
	}
	return nil
}

func validateHostname(host string) error {
	name := strings.TrimSuffix(host, ".")
	if len(name) == 0 || len(name) > maxHostnameLength {
		return fmt.Errorf("hostname length must be 1-%d", maxHostnameLength)
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return fmt.Errorf("not a valid domain name")
	}

	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > maxLabelLength {
			return fmt.Errorf("label %q must be 1-%d characters", label, maxLabelLength)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			if !isLDH(r) {
				return fmt.Errorf("label %q contains invalid character %q", label, r)
			}
		}
	}

	// Top-level labels are never numeric; this catches malformed addresses
	// like 300.1.1.1 that would otherwise pass as hostnames.
	if isNumeric(labels[len(labels)-1]) {
		return fmt.Errorf("malformed IP address")
	}
	return nil
}

func isLDH(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
