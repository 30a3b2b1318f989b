package instrumentation

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// InstrumentationOptions stores configuration for selective instrumentation
type InstrumentationOptions struct {
	// Enabled indicates whether instrumentation is enabled
	Enabled bool

	// IncludePackages is a list of package paths to instrument
	// Empty means all packages are instrumented
	IncludePackages []string

	// ExcludePackages is a list of package paths to exclude from instrumentation
	// This takes precedence over IncludePackages
	ExcludePackages []string

	// InstrumentStdlib indicates whether to instrument standard library code
	InstrumentStdlib bool
}

// DefaultInstrumentationOptions returns the default instrumentation options
func DefaultInstrumentationOptions() InstrumentationOptions {
	return InstrumentationOptions{
		Enabled:          true,
		IncludePackages:  []string{}, // Empty means all packages
		ExcludePackages:  []string{},
		InstrumentStdlib: false,
	}
}

var (
	optionsMu      sync.RWMutex
	currentOptions = loadOptionsFromEnvironment()
)

func envBool(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	return value == "1" || value == "true" || value == "yes"
}

func envList(value string) []string {
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// loadOptionsFromEnvironment loads instrumentation options from environment variables
func loadOptionsFromEnvironment() InstrumentationOptions {
	options := DefaultInstrumentationOptions()

	// MEMTRACK_ENABLED controls whether instrumentation is enabled
	if enabled := os.Getenv("MEMTRACK_ENABLED"); enabled != "" {
		options.Enabled = envBool(enabled)
	}

	// MEMTRACK_INSTRUMENT controls which packages to instrument
	if instruments := os.Getenv("MEMTRACK_INSTRUMENT"); instruments != "" {
		options.IncludePackages = envList(instruments)
	}

	// MEMTRACK_EXCLUDE controls which packages to exclude
	if excludes := os.Getenv("MEMTRACK_EXCLUDE"); excludes != "" {
		options.ExcludePackages = envList(excludes)
	}

	if instrumentStdlib := os.Getenv("MEMTRACK_INSTRUMENT_STDLIB"); instrumentStdlib != "" {
		options.InstrumentStdlib = envBool(instrumentStdlib)
	}

	return options
}

// isStdlib reports whether a package path belongs to the standard library.
// Standard library paths have no dot in their first element; main and
// command-line-arguments are user code.
func isStdlib(packagePath string) bool {
	if packagePath == "main" || packagePath == "command-line-arguments" {
		return false
	}
	first, _, _ := strings.Cut(packagePath, "/")
	return !strings.Contains(first, ".")
}

// ShouldInstrument checks if a package should be instrumented
func ShouldInstrument(packagePath string) bool {
	optionsMu.RLock()
	defer optionsMu.RUnlock()
	opts := &currentOptions

	if !opts.Enabled {
		return false
	}

	if isStdlib(packagePath) && !opts.InstrumentStdlib {
		return false
	}

	// Check if package is explicitly excluded
	for _, exclude := range opts.ExcludePackages {
		if matchesPackagePath(packagePath, exclude) {
			return false
		}
	}

	// If no includes specified, instrument everything except exclusions
	if len(opts.IncludePackages) == 0 {
		return true
	}

	for _, include := range opts.IncludePackages {
		if matchesPackagePath(packagePath, include) {
			return true
		}
	}

	return false
}

// matchesPackagePath checks if a package matches a pattern
func matchesPackagePath(packagePath, pattern string) bool {
	// Handle wildcard patterns
	if strings.HasSuffix(pattern, "...") {
		prefix := strings.TrimSuffix(pattern, "...")
		return strings.HasPrefix(packagePath, prefix)
	}

	// Direct match
	matched, _ := filepath.Match(pattern, packagePath)
	return matched
}

// SetInstrumentationOptions sets the current instrumentation options
// and returns the previous ones
func SetInstrumentationOptions(options InstrumentationOptions) InstrumentationOptions {
	optionsMu.Lock()
	defer optionsMu.Unlock()
	prev := currentOptions
	currentOptions = options
	return prev
}

// GetInstrumentationOptions returns the current instrumentation options
func GetInstrumentationOptions() InstrumentationOptions {
	optionsMu.RLock()
	defer optionsMu.RUnlock()
	return currentOptions
}
