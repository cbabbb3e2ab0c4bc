package processor

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/state"
	"github.com/timzifer/keystate/telemetry"
)

// WithLogger provides a custom logger instance for the processor.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithSource sets the record source polled every cycle.
func WithSource(source Source) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.source = source
		return nil
	}
}

// WithHandler installs a handler that runs after the slot update expressions
// for every key group of a batch.
func WithHandler(handler Handler) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.handler = handler
		return nil
	}
}

// WithClock overrides the clock selected by batch.time_mode.
func WithClock(clock state.Clock) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.clock = clock
		return nil
	}
}

// WithExitOnDrain makes Run return once the source is exhausted and every
// record has been committed.
func WithExitOnDrain() Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.exitOnDrain = true
		return nil
	}
}

// WithStateOptions passes extra options to OpenState, for example a custom
// store opener.
func WithStateOptions(opts ...StateOption) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.stateOptions = append(cfg.stateOptions, opts...)
		return nil
	}
}
