package tracker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// SinkFactory opens the sink a session writes to
type SinkFactory func(path string, tree *recorder.FrameTree, opts recorder.WriterOptions) (recorder.Sink, error)

// Options configures a tracking session
type Options struct {
	// Compression applied to the artifact body
	Compression recorder.CompressionType
	// Overwrite replaces an existing artifact instead of failing
	Overwrite bool
	// FlushEvery pushes buffered records to disk after this many records
	FlushEvery int
	// SnapshotInterval samples Go heap statistics at this rate; zero disables sampling
	SnapshotInterval time.Duration
	// MaxStackDepth bounds the frames taken from a live stack walk
	MaxStackDepth int
	// SymbolCacheSize is the number of program counters kept resolved
	SymbolCacheSize int
	// IntegrityKey signs the artifact with HMAC-SHA256 when non-empty
	IntegrityKey []byte

	sinkFactory SinkFactory
}

// Option modifies Options
type Option func(*Options)

// DefaultOptions returns the default session options
func DefaultOptions() Options {
	return Options{
		Compression:      recorder.DefaultCompression,
		FlushEvery:       1024,
		SnapshotInterval: 0,
		MaxStackDepth:    128,
		SymbolCacheSize:  4096,
	}
}

// OptionsFromEnvironment returns DefaultOptions with MEMTRACK_* environment
// overrides applied. Unparseable values are logged and ignored.
func OptionsFromEnvironment() Options {
	opts := DefaultOptions()

	if v := os.Getenv("MEMTRACK_COMPRESSION"); v != "" {
		if ct, err := recorder.ParseCompressionType(v); err == nil {
			opts.Compression = ct
		} else {
			log.WithError(err).Warn("ignoring MEMTRACK_COMPRESSION")
		}
	}
	if v := os.Getenv("MEMTRACK_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.SnapshotInterval = d
		} else {
			log.WithError(err).Warn("ignoring MEMTRACK_SNAPSHOT_INTERVAL")
		}
	}
	envInt("MEMTRACK_MAX_STACK_DEPTH", &opts.MaxStackDepth)
	envInt("MEMTRACK_FLUSH_EVERY", &opts.FlushEvery)
	if v := os.Getenv("MEMTRACK_OVERWRITE"); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		opts.Overwrite = v == "1" || v == "true" || v == "yes"
	}

	return opts
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		log.WithField("value", v).Warnf("ignoring %s", name)
		return
	}
	*dst = n
}

// fileOptions is the YAML form of Options
type fileOptions struct {
	Compression      *string        `yaml:"compression"`
	Overwrite        *bool          `yaml:"overwrite"`
	FlushEvery       *int           `yaml:"flush_every"`
	SnapshotInterval *time.Duration `yaml:"snapshot_interval"`
	MaxStackDepth    *int           `yaml:"max_stack_depth"`
	SymbolCacheSize  *int           `yaml:"symbol_cache_size"`
	IntegrityKey     *string        `yaml:"integrity_key"`
}

// LoadOptionsFile reads options from a YAML file. Keys missing from the file
// keep their default values.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}

	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", path, err)
	}
	if fo.Compression != nil {
		ct, err := recorder.ParseCompressionType(*fo.Compression)
		if err != nil {
			return opts, fmt.Errorf("parsing %s: %w", path, err)
		}
		opts.Compression = ct
	}
	if fo.Overwrite != nil {
		opts.Overwrite = *fo.Overwrite
	}
	if fo.FlushEvery != nil {
		opts.FlushEvery = *fo.FlushEvery
	}
	if fo.SnapshotInterval != nil {
		opts.SnapshotInterval = *fo.SnapshotInterval
	}
	if fo.MaxStackDepth != nil {
		opts.MaxStackDepth = *fo.MaxStackDepth
	}
	if fo.SymbolCacheSize != nil {
		opts.SymbolCacheSize = *fo.SymbolCacheSize
	}
	if fo.IntegrityKey != nil {
		opts.IntegrityKey = []byte(*fo.IntegrityKey)
	}
	return opts, nil
}

// WithOptions replaces all options with o
func WithOptions(o Options) Option {
	return func(opts *Options) {
		*opts = o
	}
}

func WithCompression(ct recorder.CompressionType) Option {
	return func(opts *Options) {
		opts.Compression = ct
	}
}

func WithOverwrite(overwrite bool) Option {
	return func(opts *Options) {
		opts.Overwrite = overwrite
	}
}

func WithFlushEvery(n int) Option {
	return func(opts *Options) {
		opts.FlushEvery = n
	}
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.SnapshotInterval = d
	}
}

func WithMaxStackDepth(depth int) Option {
	return func(opts *Options) {
		opts.MaxStackDepth = depth
	}
}

func WithSymbolCacheSize(size int) Option {
	return func(opts *Options) {
		opts.SymbolCacheSize = size
	}
}

// WithIntegrityKey signs the artifact so readers can detect tampering
func WithIntegrityKey(key []byte) Option {
	return func(opts *Options) {
		opts.IntegrityKey = key
	}
}

// WithSinkFactory sends events to a sink other than the artifact writer
func WithSinkFactory(f SinkFactory) Option {
	return func(opts *Options) {
		opts.sinkFactory = f
	}
}

func openArtifact(path string, tree *recorder.FrameTree, opts recorder.WriterOptions) (recorder.Sink, error) {
	w, err := recorder.NewArtifactWriter(path, tree, opts)
	if err != nil {
		return nil, err
	}
	return w, nil
}
