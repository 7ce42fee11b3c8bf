package scanning

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hostList(n int, format string) []string {
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = fmt.Sprintf(format, i)
	}
	return hosts
}

func TestOptimizerTiming(t *testing.T) {
	optimizer := NewOptimizer(DefaultOptimizerConfig())

	tests := []struct {
		name     string
		count    int
		timing   int
		osDetect bool
	}{
		{"small batch", 5, 2, true},
		{"ten targets", 10, 2, true},
		{"eleven targets", 11, 3, true},
		{"fifty targets", 50, 3, true},
		{"fifty one targets", 51, 3, false},
		{"hundred one targets", 101, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := optimizer.Optimize(hostList(tt.count, "10.0.0.%d"), DefaultOptions())
			assert.Equal(t, tt.timing, opts.Timing)
			assert.True(t, opts.ServiceDetection)
			assert.Equal(t, tt.osDetect, opts.OSDetection)
		})
	}
}

func TestOptimizerScripts(t *testing.T) {
	optimizer := NewOptimizer(DefaultOptimizerConfig())

	web := optimizer.Optimize([]string{"10.0.0.1", "www.example.com"}, DefaultOptions())
	assert.Equal(t, []string{webScripts}, web.Scripts)

	plain := optimizer.Optimize([]string{"10.0.0.1"}, DefaultOptions())
	assert.Equal(t, []string{defaultScripts}, plain.Scripts)

	explicit := optimizer.Optimize([]string{"api.example.com"}, DefaultOptions().WithScripts("vuln"))
	assert.Equal(t, []string{"vuln"}, explicit.Scripts)
}

func TestOptimizerDatabasePorts(t *testing.T) {
	optimizer := NewOptimizer(DefaultOptimizerConfig())

	opts := optimizer.Optimize([]string{"mysql-primary.internal"}, DefaultOptions().WithPorts("22,80,3306"))
	assert.Equal(t, "22,80,3306,1433,1521,5432,6379,27017", opts.Ports)
	assert.NoError(t, opts.Validate())

	covered := optimizer.Optimize([]string{"db1"}, DefaultOptions().WithPorts("1-65535"))
	assert.Equal(t, "1-65535", covered.Ports)

	cfg := DefaultOptimizerConfig()
	cfg.AddDatabasePorts = false
	untouched := NewOptimizer(cfg).Optimize([]string{"postgres.local"}, DefaultOptions().WithPorts("22"))
	assert.Equal(t, "22", untouched.Ports)
}

func TestOptimizerLeavesInputUntouched(t *testing.T) {
	input := DefaultOptions().WithTiming(5)
	input.Scripts = nil

	_ = NewOptimizer(DefaultOptimizerConfig()).Optimize([]string{"web"}, input)

	assert.Equal(t, 5, input.Timing)
	assert.Nil(t, input.Scripts)
}

func TestOptimizerKeepsStealthTiming(t *testing.T) {
	opts := DefaultOptions()
	opts.Stealth = true
	opts.Timing = 1

	optimized := NewOptimizer(DefaultOptimizerConfig()).Optimize(hostList(200, "h%d.example"), opts)
	assert.Equal(t, 1, optimized.Timing)
}

func TestPortSpecCovers(t *testing.T) {
	assert.True(t, portSpecCovers("22,80-90", 85))
	assert.True(t, portSpecCovers(" 443 ", 443))
	assert.False(t, portSpecCovers("22,80-90", 91))
	assert.False(t, portSpecCovers("", 22))
	assert.Equal(t, "3306", addPorts("", []int{3306}))
}
