package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"agentbox/internal/config"
)

// LocalLogFile is the name of the local log file inside a log directory.
const LocalLogFile = "agentbox.log"

// DispatcherConfig contains configuration for creating a dispatcher.
type DispatcherConfig struct {
	// Receivers is the list of remote log receiver configurations.
	Receivers []config.ReceiverConfig

	// GlobalAttrs are added to every OTLP resource.
	GlobalAttrs map[string]string

	// LogDir holds the rotated local log file. Empty disables it.
	LogDir string

	// Console, when set, receives a copy of every local log line.
	Console io.Writer
}

// NewDispatcherFromConfig creates a dispatcher from the [logging] section.
func NewDispatcherFromConfig(cfg config.LoggingConfig, logDir string, console io.Writer) (*Dispatcher, error) {
	return NewDispatcherWithConfig(DispatcherConfig{
		Receivers:   cfg.Receivers,
		GlobalAttrs: cfg.Attributes,
		LogDir:      logDir,
		Console:     console,
	})
}

// NewDispatcherWithConfig creates a dispatcher from a DispatcherConfig.
func NewDispatcherWithConfig(cfg DispatcherConfig) (*Dispatcher, error) {
	d := NewDispatcher()

	switch {
	case cfg.LogDir != "":
		var mirror []io.Writer
		if cfg.Console != nil {
			mirror = append(mirror, cfg.Console)
		}
		el, err := NewErrorLogger(filepath.Join(cfg.LogDir, LocalLogFile), mirror...)
		if err != nil {
			return nil, fmt.Errorf("failed to create local logger: %w", err)
		}
		d.errorLogger = el
	case cfg.Console != nil:
		d.errorLogger = NewStreamLogger(cfg.Console)
	}

	for i, r := range cfg.Receivers {
		w, err := newWriterFromConfig(r, cfg.GlobalAttrs, d.errorLogger)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("receiver %d (%s): %w", i, r.Type, err)
		}
		d.AddWriter(w)
	}

	return d, nil
}

// newWriterFromConfig creates a Writer from a ReceiverConfig.
func newWriterFromConfig(r config.ReceiverConfig, globalAttrs map[string]string, errorLogger *ErrorLogger) (Writer, error) {
	switch r.Type {
	case "syslog":
		return NewSyslogWriter(SyslogConfig{
			Facility:    r.Facility,
			Tag:         r.Tag,
			ErrorLogger: errorLogger,
		})

	case "syslog-remote":
		if r.Address == "" {
			return nil, fmt.Errorf("address is required for syslog-remote receiver")
		}
		protocol := r.Protocol
		if protocol == "" {
			protocol = "udp"
		}
		return NewSyslogWriter(SyslogConfig{
			Network:     protocol,
			Address:     r.Address,
			Facility:    r.Facility,
			Tag:         r.Tag,
			ErrorLogger: errorLogger,
		})

	case "otlp":
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = r.Address
		}
		if endpoint == "" {
			return nil, fmt.Errorf("endpoint is required for otlp receiver")
		}

		cfg := OTLPConfig{
			Endpoint:           endpoint,
			Protocol:           r.Protocol,
			Headers:            r.Headers,
			BatchSize:          r.BatchSize,
			Insecure:           r.Insecure,
			ResourceAttributes: globalAttrs,
			ErrorLogger:        errorLogger,
		}
		if r.FlushInterval != "" {
			d, err := time.ParseDuration(r.FlushInterval)
			if err != nil {
				return nil, fmt.Errorf("invalid flush_interval: %w", err)
			}
			cfg.FlushInterval = d
		}
		return NewOTLPWriter(cfg)

	default:
		return nil, fmt.Errorf("unknown receiver type: %s", r.Type)
	}
}
