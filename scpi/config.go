package scpi

import (
	"errors"
	"sync"
	"time"

	"github.com/instrlab/go-scpi/logger"
	"github.com/instrlab/go-scpi/scpilog"
)

// OPCPolicy selects how OPC-synchronized operations wait for completion.
type OPCPolicy int

const (
	// PollStatusByte appends ";*OPC" to the command and polls *STB? until the
	// event status summary bit reports completion. Works for both commands
	// and queries and keeps the connection responsive during long operations.
	PollStatusByte OPCPolicy = iota

	// PollOPCQuery sends *OPC? after the command and waits for its "1"
	// response, polling the read in bounded slices. Simpler, but the
	// response channel is occupied for the whole wait.
	PollOPCQuery
)

func (p OPCPolicy) String() string {
	switch p {
	case PollStatusByte:
		return "poll-status-byte"
	case PollOPCQuery:
		return "poll-opc-query"
	default:
		return "unknown"
	}
}

// Config holds the tunable parameters of a Session. It is created by
// NewConfig with functional options and may be adjusted at runtime through
// the Session setters; every operation works on a consistent snapshot taken
// at its start.
type Config struct {
	mu sync.RWMutex

	// resourceName identifies the instrument connection in logs and errors,
	// e.g. "TCPIP::192.168.1.20::5025::SOCKET".
	resourceName string

	// ioTimeout bounds each individual transport read. Defaults to 5 seconds.
	ioTimeout time.Duration

	// opcTimeout bounds the total wait of OPC-synchronized operations.
	// Defaults to 10 seconds.
	opcTimeout time.Duration

	// connectTimeout bounds the initial TCP connect. Defaults to 3 seconds.
	connectTimeout time.Duration

	// chunkSize is the segment size for chunked reads and writes.
	// Defaults to 100000 bytes.
	chunkSize int

	// readDelay and writeDelay insert a pause between transfer chunks, for
	// instruments that need breathing room on slow links. Default to zero.
	readDelay  time.Duration
	writeDelay time.Duration

	// statusChecking enables the automatic error-queue check after each
	// operation. Defaults to true.
	statusChecking bool

	// opcPolicy selects the completion-wait mechanism. Defaults to
	// PollStatusByte.
	opcPolicy OPCPolicy

	// terminator is the message terminator byte on the raw socket.
	// Defaults to LF.
	terminator byte

	// logger receives structured diagnostics of the session itself.
	logger logger.Logger

	// scpiMode is the initial mode of the per-session SCPI command logger.
	// Defaults to scpilog.ModeOff.
	scpiMode scpilog.Mode
}

// NewConfig creates a session configuration for the given resource name with
// default values, then applies the options in order. The first failing
// option aborts and its error is returned.
func NewConfig(resourceName string, opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		resourceName:   resourceName,
		ioTimeout:      5 * time.Second,
		opcTimeout:     10 * time.Second,
		connectTimeout: 3 * time.Second,
		chunkSize:      100000,
		statusChecking: true,
		opcPolicy:      PollStatusByte,
		terminator:     '\n',
		logger:         logger.GetLogger(),
		scpiMode:       scpilog.ModeOff,
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// configSnapshot is the immutable per-operation view of a Config.
type configSnapshot struct {
	resourceName   string
	ioTimeout      time.Duration
	opcTimeout     time.Duration
	chunkSize      int
	readDelay      time.Duration
	writeDelay     time.Duration
	statusChecking bool
	opcPolicy      OPCPolicy
}

func (cfg *Config) snapshot() configSnapshot {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return configSnapshot{
		resourceName:   cfg.resourceName,
		ioTimeout:      cfg.ioTimeout,
		opcTimeout:     cfg.opcTimeout,
		chunkSize:      cfg.chunkSize,
		readDelay:      cfg.readDelay,
		writeDelay:     cfg.writeDelay,
		statusChecking: cfg.statusChecking,
		opcPolicy:      cfg.opcPolicy,
	}
}

// ResourceName returns the configured resource name.
func (cfg *Config) ResourceName() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.resourceName
}

// IOTimeout returns the per-read transport timeout.
func (cfg *Config) IOTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.ioTimeout
}

// OPCTimeout returns the total OPC-synchronized wait budget.
func (cfg *Config) OPCTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.opcTimeout
}

// ChunkSize returns the transfer segment size.
func (cfg *Config) ChunkSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.chunkSize
}

// StatusChecking reports whether automatic error-queue checks are enabled.
func (cfg *Config) StatusChecking() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusChecking
}

// OPCPolicy returns the completion-wait policy.
func (cfg *Config) OPCPolicy() OPCPolicy {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.opcPolicy
}

// ConfigOption represents a functional option for configuring a Config.
type ConfigOption interface {
	apply(*Config) error
}

type configOptFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (c *configOptFunc) apply(cfg *Config) error { return c.applyFunc(cfg) }

func newConfigOptFunc(name string, f func(*Config) error) *configOptFunc {
	return &configOptFunc{name: name, applyFunc: f}
}

// WithIOTimeout sets the timeout of each individual transport read. It must
// be positive.
//
// The default is 5 seconds.
func WithIOTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithIOTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val <= 0 {
			return errors.New("io timeout must be positive")
		}
		cfg.ioTimeout = val

		return nil
	})
}

// WithOPCTimeout sets the total wait budget of OPC-synchronized operations.
// It must be positive.
//
// The default is 10 seconds.
func WithOPCTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithOPCTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val <= 0 {
			return errors.New("opc timeout must be positive")
		}
		cfg.opcTimeout = val

		return nil
	})
}

// WithConnectTimeout sets the timeout of the initial TCP connect. It must be
// positive.
//
// The default is 3 seconds.
func WithConnectTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val <= 0 {
			return errors.New("connect timeout must be positive")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithChunkSize sets the segment size for chunked reads and writes. It must
// be at least 1024 bytes.
//
// The default is 100000 bytes.
func WithChunkSize(size int) ConfigOption {
	return newConfigOptFunc("WithChunkSize", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if size < 1024 {
			return errors.New("chunk size must be at least 1024 bytes")
		}
		cfg.chunkSize = size

		return nil
	})
}

// WithReadDelay inserts a pause between consecutive read chunks. Negative
// values are rejected.
//
// The default is zero.
func WithReadDelay(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithReadDelay", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val < 0 {
			return errors.New("read delay must not be negative")
		}
		cfg.readDelay = val

		return nil
	})
}

// WithWriteDelay inserts a pause between consecutive write chunks. Negative
// values are rejected.
//
// The default is zero.
func WithWriteDelay(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithWriteDelay", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val < 0 {
			return errors.New("write delay must not be negative")
		}
		cfg.writeDelay = val

		return nil
	})
}

// WithStatusChecking enables or disables the automatic error-queue check
// after each operation.
//
// The default is enabled.
func WithStatusChecking(val bool) ConfigOption {
	return newConfigOptFunc("WithStatusChecking", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.statusChecking = val

		return nil
	})
}

// WithOPCPolicy selects the completion-wait mechanism.
//
// The default is PollStatusByte.
func WithOPCPolicy(policy OPCPolicy) ConfigOption {
	return newConfigOptFunc("WithOPCPolicy", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if policy != PollStatusByte && policy != PollOPCQuery {
			return errors.New("unknown opc policy")
		}
		cfg.opcPolicy = policy

		return nil
	})
}

// WithTerminator sets the message terminator byte of the raw socket.
//
// The default is LF.
func WithTerminator(term byte) ConfigOption {
	return newConfigOptFunc("WithTerminator", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.terminator = term

		return nil
	})
}

// WithLogger sets the structured logger for session diagnostics.
//
// The default is the package-level logger.
func WithLogger(l logger.Logger) ConfigOption {
	return newConfigOptFunc("WithLogger", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithSCPILogMode sets the initial mode of the SCPI command logger.
//
// The default is scpilog.ModeOff.
func WithSCPILogMode(mode scpilog.Mode) ConfigOption {
	return newConfigOptFunc("WithSCPILogMode", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if mode != scpilog.ModeOff && mode != scpilog.ModeOn && mode != scpilog.ModeErrors {
			return errors.New("unknown scpi log mode")
		}
		cfg.scpiMode = mode

		return nil
	})
}
