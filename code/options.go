package code

import "time"

type runnerConfig struct {
	pythonBin string
	timeout   time.Duration
	maxOutput int
	allow     map[string]bool
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		pythonBin: "python3",
		timeout:   10 * time.Second,
		maxOutput: 1 << 20,
	}
}

// Option configures a ScriptExecutor.
type Option func(*runnerConfig)

// WithPythonBin sets the Python interpreter (default "python3").
func WithPythonBin(bin string) Option {
	return func(c *runnerConfig) {
		if bin != "" {
			c.pythonBin = bin
		}
	}
}

// WithTimeout sets the per-call execution timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxOutput caps captured stdout/stderr bytes (default 1 MiB).
func WithMaxOutput(n int) Option {
	return func(c *runnerConfig) {
		if n > 0 {
			c.maxOutput = n
		}
	}
}

// WithAllow restricts callable function names. Empty allows all.
func WithAllow(names ...string) Option {
	return func(c *runnerConfig) {
		if c.allow == nil {
			c.allow = make(map[string]bool)
		}
		for _, n := range names {
			c.allow[n] = true
		}
	}
}
