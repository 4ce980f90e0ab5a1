package logging

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"agentbox/internal/version"
)

const (
	serviceName       = "agentbox"
	instrumentationID = "agentbox.sandbox"
)

// OTLPConfig contains OpenTelemetry writer configuration.
type OTLPConfig struct {
	// Endpoint is the OTLP endpoint.
	// For HTTP: "http://localhost:4318/v1/logs"
	// For gRPC: "localhost:4317"
	Endpoint string

	// Protocol is "http" or "grpc" (default: http).
	Protocol string

	Headers       map[string]string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration

	// Insecure disables TLS for gRPC connections.
	Insecure bool

	// ResourceAttributes are added to the resource next to service.*.
	ResourceAttributes map[string]string

	ErrorLogger *ErrorLogger
}

// OTLPWriter batches entries and exports them to an OpenTelemetry collector.
type OTLPWriter struct {
	cfg         OTLPConfig
	export      func(ctx context.Context, req *collectorlogs.ExportLogsServiceRequest) error
	closeConn   func() error
	resource    *resourcepb.Resource
	errorLogger *ErrorLogger

	mu      sync.Mutex
	buffer  []*Entry
	closing bool

	done    chan struct{}
	flushes sync.WaitGroup
	loop    sync.WaitGroup
}

// NewOTLPWriter creates a new OTLP writer.
func NewOTLPWriter(cfg OTLPConfig) (*OTLPWriter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	w := &OTLPWriter{
		cfg:         cfg,
		resource:    buildResource(cfg.ResourceAttributes),
		errorLogger: cfg.ErrorLogger,
		buffer:      make([]*Entry, 0, cfg.BatchSize),
		done:        make(chan struct{}),
	}

	switch cfg.Protocol {
	case "grpc":
		var opts []grpc.DialOption
		if cfg.Insecure {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(cfg.Endpoint, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gRPC: %w", err)
		}
		client := collectorlogs.NewLogsServiceClient(conn)
		w.closeConn = conn.Close
		w.export = func(ctx context.Context, req *collectorlogs.ExportLogsServiceRequest) error {
			if len(cfg.Headers) > 0 {
				ctx = metadata.NewOutgoingContext(ctx, metadata.New(cfg.Headers))
			}
			_, err := client.Export(ctx, req)
			return err
		}
	case "http":
		w.export = newHTTPExporter(cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s (use 'http' or 'grpc')", cfg.Protocol)
	}

	w.loop.Add(1)
	go w.flushLoop()

	return w, nil
}

// newHTTPExporter posts OTLP/JSON payloads, retrying transient failures.
func newHTTPExporter(cfg OTLPConfig) func(context.Context, *collectorlogs.ExportLogsServiceRequest) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return func(ctx context.Context, req *collectorlogs.ExportLogsServiceRequest) error {
		payload, err := protojson.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		httpReq, err := retryablehttp.NewRequestWithContext(ctx, "POST", cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			httpReq.Header.Set(k, v)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// Write buffers a log entry for batched sending.
func (w *OTLPWriter) Write(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		return fmt.Errorf("writer is closing")
	}

	w.buffer = append(w.buffer, entry)
	if len(w.buffer) >= w.cfg.BatchSize {
		w.flushLocked()
	}
	return nil
}

// Close flushes remaining entries, waits for in-flight exports and stops
// the writer.
func (w *OTLPWriter) Close() error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	w.mu.Unlock()

	close(w.done)
	w.loop.Wait()

	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()
	w.flushes.Wait()

	if w.closeConn != nil {
		return w.closeConn()
	}
	return nil
}

func (w *OTLPWriter) flushLoop() {
	defer w.loop.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.flushLocked()
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// flushLocked hands the buffer to a background export. Caller holds w.mu.
func (w *OTLPWriter) flushLocked() {
	if len(w.buffer) == 0 {
		return
	}

	req := w.buildRequest(w.buffer)
	count := len(w.buffer)
	w.buffer = make([]*Entry, 0, w.cfg.BatchSize)

	w.flushes.Add(1)
	go func() {
		defer w.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		if err := w.export(ctx, req); err != nil {
			w.errorLogger.LogErrorf("otlp-"+w.cfg.Protocol, "failed to export %d entries to %s: %v", count, w.cfg.Endpoint, err)
		}
	}()
}

func (w *OTLPWriter) buildRequest(entries []*Entry) *collectorlogs.ExportLogsServiceRequest {
	observed := uint64(time.Now().UnixNano())
	records := make([]*logspb.LogRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, &logspb.LogRecord{
			TimeUnixNano:         uint64(e.Timestamp.UnixNano()),
			ObservedTimeUnixNano: observed,
			SeverityNumber:       severityNumber(e.Level),
			SeverityText:         string(e.Level),
			Body:                 stringValue(e.Message),
			Attributes:           fieldAttributes(e.Fields),
		})
	}

	return &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: w.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: instrumentationID, Version: version.Version},
				LogRecords: records,
			}},
		}},
	}
}

func buildResource(extra map[string]string) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{
		{Key: "service.name", Value: stringValue(serviceName)},
		{Key: "service.version", Value: stringValue(version.Version)},
		{Key: "service.commit", Value: stringValue(version.Commit)},
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		attrs = append(attrs, &commonpb.KeyValue{Key: k, Value: stringValue(extra[k])})
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func severityNumber(level Level) logspb.SeverityNumber {
	switch level {
	case LevelDebug:
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case LevelWarn:
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case LevelError:
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	}
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func fieldAttributes(fields map[string]any) []*commonpb.KeyValue {
	if len(fields) == 0 {
		return nil
	}

	attrs := make([]*commonpb.KeyValue, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attr := &commonpb.KeyValue{Key: k}
		switch val := fields[k].(type) {
		case string:
			attr.Value = stringValue(val)
		case int:
			attr.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
		case int64:
			attr.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
		case bool:
			attr.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
		case float64:
			attr.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
		default:
			attr.Value = stringValue(fmt.Sprintf("%v", val))
		}
		attrs = append(attrs, attr)
	}
	return attrs
}
