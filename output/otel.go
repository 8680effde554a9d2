package output

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"flagwatch/anomaly"
	"flagwatch/config"
	"flagwatch/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

const flagEventName = "flagwatch.flag"

// OtelSink exports saved flags as OTLP log records.
type OtelSink struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
}

// NewOtelSink returns nil without error when no endpoint is configured.
func NewOtelSink(cfg *config.Config) (*OtelSink, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &OtelSink{
		provider: provider,
		logger:   provider.Logger("flagwatch"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *OtelSink) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

// Emit hands one flag to the batch processor. Export happens in the
// background; failures surface only at Shutdown.
func (o *OtelSink) Emit(ctx context.Context, flag anomaly.Flag) {
	if o == nil || o.logger == nil {
		return
	}
	o.logger.Emit(ctx, flagRecord(flag, time.Now()))
}

func flagRecord(flag anomaly.Flag, observed time.Time) otelLog.Record {
	var record otelLog.Record
	record.SetTimestamp(flag.Timestamp)
	record.SetObservedTimestamp(observed)
	record.SetEventName(flagEventName)
	record.SetSeverity(severityNumber(flag.Severity))
	record.SetSeverityText(flag.Severity.String())
	record.AddAttributes(
		otelLog.String("flagwatch.flag.id", flag.ID),
		otelLog.String("flagwatch.session.id", flag.SessionID),
		otelLog.String("flagwatch.flag.type", flag.Type.String()),
		otelLog.String("flagwatch.flag.data_source", flag.DataSource),
		otelLog.Float64("flagwatch.flag.confidence", flag.Confidence),
	)
	record.SetBody(otelLog.MapValue(
		otelLog.String("title", flag.Title),
		otelLog.String("description", flag.Description),
		otelLog.KeyValue{Key: "metrics", Value: toLogValue(flag.Metrics)},
	))
	return record
}

func severityNumber(s anomaly.Severity) otelLog.Severity {
	switch s {
	case anomaly.Low:
		return otelLog.SeverityInfo
	case anomaly.Medium:
		return otelLog.SeverityWarn
	case anomaly.High:
		return otelLog.SeverityError
	case anomaly.Critical:
		return otelLog.SeverityFatal
	default:
		return otelLog.SeverityUndefined
	}
}

// Shutdown flushes pending records and stops the exporter.
func (o *OtelSink) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Warnf("OTEL shutdown failed: %v", err)
	}
}

// toLogValue converts a flag metrics value. Metrics hold JSON shapes only:
// float64, string, bool, nested maps and lists of those.
func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

// toLogKeyValues returns the entries sorted by key.
func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}
