package logging

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"time"
)

// SyslogConfig contains syslog writer configuration.
type SyslogConfig struct {
	// Network is empty for local syslog, or "udp"/"tcp" for remote.
	Network string

	// Address is the remote syslog server address (e.g., "logs.example.com:514").
	Address string

	// Facility is the syslog facility name (default local0).
	Facility string

	// Tag is the program tag (default agentbox).
	Tag string

	ErrorLogger *ErrorLogger
}

// SyslogWriter sends entries to local or remote syslog as JSON lines.
type SyslogWriter struct {
	writer      *syslog.Writer
	errorLogger *ErrorLogger
	target      string
}

var facilities = map[string]syslog.Priority{
	"kern": syslog.LOG_KERN, "user": syslog.LOG_USER, "mail": syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON, "auth": syslog.LOG_AUTH, "syslog": syslog.LOG_SYSLOG,
	"lpr": syslog.LOG_LPR, "news": syslog.LOG_NEWS, "uucp": syslog.LOG_UUCP,
	"cron": syslog.LOG_CRON, "authpriv": syslog.LOG_AUTHPRIV, "ftp": syslog.LOG_FTP,
	"local0": syslog.LOG_LOCAL0, "local1": syslog.LOG_LOCAL1, "local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3, "local4": syslog.LOG_LOCAL4, "local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6, "local7": syslog.LOG_LOCAL7,
}

// NewSyslogWriter creates a new syslog writer.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	facility, ok := facilities[cfg.Facility]
	if !ok {
		facility = syslog.LOG_LOCAL0
	}
	tag := cfg.Tag
	if tag == "" {
		tag = serviceName
	}

	var (
		writer *syslog.Writer
		err    error
		target = "local"
	)
	if cfg.Network != "" && cfg.Address != "" {
		writer, err = syslog.Dial(cfg.Network, cfg.Address, facility|syslog.LOG_INFO, tag)
		target = cfg.Network + "://" + cfg.Address
	} else {
		writer, err = syslog.New(facility|syslog.LOG_INFO, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogWriter{writer: writer, errorLogger: cfg.ErrorLogger, target: target}, nil
}

type syslogRecord struct {
	Time    string         `json:"time"`
	Level   Level          `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Write sends a log entry to syslog at the matching severity.
func (s *SyslogWriter) Write(entry *Entry) error {
	msg := entry.Message
	if data, err := json.Marshal(syslogRecord{
		Time:    entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:   entry.Level,
		Message: entry.Message,
		Fields:  entry.Fields,
	}); err == nil {
		msg = string(data)
	}

	var err error
	switch entry.Level {
	case LevelDebug:
		err = s.writer.Debug(msg)
	case LevelWarn:
		err = s.writer.Warning(msg)
	case LevelError:
		err = s.writer.Err(msg)
	default:
		err = s.writer.Info(msg)
	}
	if err != nil {
		s.errorLogger.LogErrorf("syslog", "failed to write to %s: %v", s.target, err)
	}
	return err
}

// Close closes the syslog connection.
func (s *SyslogWriter) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
