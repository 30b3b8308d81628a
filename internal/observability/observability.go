// Package observability configures the process-wide slog logger.
//
// Local output uses slog's text or JSON handler. The otlp-http, otlp-grpc and
// stdout exporters route records through the OpenTelemetry log bridge instead.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const instrumentationName = "github.com/florianilch/stockportal"

// Exporter names accepted by Instrument.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Options selects the log pipeline.
type Options struct {
	Level    slog.Level
	Format   string // text|json, ignored by OpenTelemetry exporters
	Exporter string // none|stdout|otlp-http|otlp-grpc
	Writer   io.Writer
}

// Instrument installs the default slog logger and returns a function flushing
// and stopping the log pipeline. The OTLP exporters read their endpoint from the
// standard OTEL_EXPORTER_OTLP_* environment variables.
func Instrument(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	var handler slog.Handler
	shutdown = func(context.Context) error { return nil }

	switch opts.Exporter {
	case "", ExporterNone:
		handler, err = localHandler(opts)
		if err != nil {
			return nil, err
		}
	case ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC:
		exporter, err := newExporter(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("creating %s log exporter: %w", opts.Exporter, err)
		}

		processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(opts.Level))
		provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
		handler = otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
		shutdown = provider.Shutdown
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", opts.Exporter)
	}

	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func localHandler(opts Options) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	switch opts.Format {
	case "", "text":
		return traceHandler{slog.NewTextHandler(opts.Writer, handlerOpts)}, nil
	case "json":
		return traceHandler{slog.NewJSONHandler(opts.Writer, handlerOpts)}, nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}
}

func newExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(opts.Writer))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	}
	return nil, errors.New("no exporter configured")
}

func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
