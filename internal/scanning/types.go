package scanning

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/batchscan/internal/errors"
)

const (
	// Port validation constants.
	expectedPortRangeParts = 2
	maxPort                = 65535
)

// Status is the terminal state of a single-target scan.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusSuccess, StatusFailed, StatusTimedOut, StatusCancelled}

// StatusForCode maps a per-target error code to the record status it implies.
func StatusForCode(code errors.ErrorCode) Status {
	switch code {
	case errors.CodeScanTimeout:
		return StatusTimedOut
	case errors.CodeCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Options configures one scan of one target. Options are values: the With
// methods return modified copies and a batch never mutates the options it
// was started with.
type Options struct {
	// Ports specifies which ports to scan (e.g., "80,443" or "1-1000").
	Ports string `json:"ports" validate:"required"`
	// Timing is the nmap timing template, 0 (paranoid) to 5 (insane).
	Timing int `json:"timing" validate:"min=0,max=5"`

	ServiceDetection bool `json:"service_detection"`
	OSDetection      bool `json:"os_detection"`
	Aggressive       bool `json:"aggressive"`
	Stealth          bool `json:"stealth"`
	FragmentPackets  bool `json:"fragment_packets"`

	Scripts []string `json:"scripts,omitempty" validate:"dive,required"`

	// Packet rate bounds in packets per second, 0 leaves them unset.
	MinRate int `json:"min_rate,omitempty" validate:"min=0"`
	MaxRate int `json:"max_rate,omitempty" validate:"min=0"`

	// Timeout bounds a single attempt against a single target.
	Timeout time.Duration `json:"timeout" validate:"gt=0"`

	Retries           int           `json:"retries" validate:"min=0,max=10"`
	RetryDelay        time.Duration `json:"retry_delay" validate:"min=0"`
	BackoffMultiplier float64       `json:"backoff_multiplier" validate:"omitempty,gte=1"`

	// SaveRaw keeps the engine's raw output on the record and, when RawDir
	// is set, writes it next to the reports.
	SaveRaw bool   `json:"save_raw"`
	RawDir  string `json:"raw_dir,omitempty"`
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		Ports:             "1-1000",
		Timing:            3,
		ServiceDetection:  true,
		Timeout:           5 * time.Minute,
		Retries:           1,
		RetryDelay:        2 * time.Second,
		BackoffMultiplier: 2,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the options. Failures carry the VALIDATION code.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.WrapScanError(errors.CodeValidation,
				fmt.Sprintf("invalid scan option %s: failed %q check", fe.Field(), fe.Tag()), err)
		}
		return errors.WrapScanError(errors.CodeValidation, "invalid scan options", err)
	}

	if o.MinRate > 0 && o.MaxRate > 0 && o.MinRate > o.MaxRate {
		return errors.NewScanError(errors.CodeValidation, "min_rate must not exceed max_rate")
	}

	return ValidatePorts(o.Ports)
}

// ValidatePorts validates a port specification such as "22,80,1000-2000".
func ValidatePorts(spec string) error {
	for _, part := range strings.Split(spec, ",") {
		if err := validatePortPart(strings.TrimSpace(part)); err != nil {
			return errors.WrapScanError(errors.CodeValidation, "invalid port specification", err)
		}
	}
	return nil
}

func validatePortPart(part string) error {
	if part == "" {
		return fmt.Errorf("empty port entry")
	}
	if strings.Contains(part, "-") {
		return validatePortRange(part)
	}
	_, err := parsePort(part)
	return err
}

func validatePortRange(part string) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return fmt.Errorf("invalid port range format: %s", part)
	}

	start, err := parsePort(rangeParts[0])
	if err != nil {
		return err
	}
	end, err := parsePort(rangeParts[1])
	if err != nil {
		return err
	}
	if start > end {
		return fmt.Errorf("invalid port range %s: start port exceeds end port", part)
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	if port < 1 || port > maxPort {
		return 0, fmt.Errorf("invalid port: %d (must be 1-%d)", port, maxPort)
	}
	return port, nil
}

// WithPorts returns a copy with the given port specification.
func (o Options) WithPorts(ports string) Options {
	o.Ports = ports
	return o
}

// WithTiming returns a copy with the given timing template.
func (o Options) WithTiming(timing int) Options {
	o.Timing = timing
	return o
}

// WithServiceDetection returns a copy with service detection toggled.
func (o Options) WithServiceDetection(enabled bool) Options {
	o.ServiceDetection = enabled
	return o
}

// WithOSDetection returns a copy with OS detection toggled.
func (o Options) WithOSDetection(enabled bool) Options {
	o.OSDetection = enabled
	return o
}

// WithScripts returns a copy using the given NSE scripts.
func (o Options) WithScripts(scripts ...string) Options {
	o.Scripts = append([]string(nil), scripts...)
	return o
}

// WithTimeout returns a copy with the given per-attempt timeout.
func (o Options) WithTimeout(timeout time.Duration) Options {
	o.Timeout = timeout
	return o
}

// WithRetries returns a copy with the given retry count.
func (o Options) WithRetries(retries int) Options {
	o.Retries = retries
	return o
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	o.Scripts = append([]string(nil), o.Scripts...)
	return o
}

// PortInfo describes one open port found on a target.
type PortInfo struct {
	Host     string `json:"host,omitempty" xml:"host,attr,omitempty"`
	Port     int    `json:"port" xml:"port,attr"`
	Protocol string `json:"protocol" xml:"protocol,attr"`
	State    string `json:"state" xml:"state,attr"`
	Service  string `json:"service" xml:"service,attr,omitempty"`
	Product  string `json:"product" xml:"product,attr,omitempty"`
	Version  string `json:"version" xml:"version,attr,omitempty"`
}

// RiskLevel classifies an analyzed record.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskLevels lists every level in ascending severity.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Issue is one finding of the analyzer.
type Issue struct {
	Port        int       `json:"port" xml:"port,attr"`
	Severity    RiskLevel `json:"severity" xml:"severity,attr"`
	Description string    `json:"description" xml:",chardata"`
}

// Analysis is the analyzer's verdict on a successful record. An analysis
// failure is carried in Error and never changes the record's status.
type Analysis struct {
	RiskLevel       RiskLevel         `json:"risk_level,omitempty" xml:"risk_level,attr,omitempty"`
	RiskScore       float64           `json:"risk_score" xml:"risk_score,attr"`
	Recommendations []string          `json:"recommendations" xml:"recommendation"`
	Issues          []Issue           `json:"issues" xml:"issue"`
	Error           *errors.ScanError `json:"error,omitempty" xml:"error,omitempty"`
}

// ScanRecord is the outcome of scanning one target. Error is set exactly
// when Status is not success.
type ScanRecord struct {
	Target      string            `json:"target"`
	Status      Status            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Attempts    int               `json:"attempts"`
	Hosts       []string          `json:"hosts,omitempty"`
	OpenPorts   []PortInfo        `json:"open_ports"`
	RawOutput   []byte            `json:"-"`
	RawPath     string            `json:"raw_path,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	Error       *errors.ScanError `json:"error,omitempty"`
}

// Duration returns how long the scan took.
func (r *ScanRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the record has status success.
func (r *ScanRecord) Succeeded() bool {
	return r.Status == StatusSuccess
}

// AttachAnalysis stores the analyzer verdict. It is the only mutation
// allowed once a record has been produced by the executor.
func (r *ScanRecord) AttachAnalysis(a *Analysis) {
	r.Analysis = a
}

// NewFailedRecord builds a terminal record for target from a scan error.
func NewFailedRecord(target string, started, completed time.Time, err *errors.ScanError) ScanRecord {
	if completed.Before(started) {
		completed = started
	}
	return ScanRecord{
		Target:      target,
		Status:      StatusForCode(err.Code),
		StartedAt:   started,
		CompletedAt: completed,
		OpenPorts:   []PortInfo{},
		Error:       err,
	}
}

// Analyzer scores a completed record.
type Analyzer interface {
	Analyze(record ScanRecord) (*Analysis, error)
}
