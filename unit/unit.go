// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package unit runs a long lived service: it loads the configuration,
// starts the metrics server and the traces exporter, then hands a
// logger, a registerer and a tracer provider to the main Runnable
// until the process receives SIGINT or SIGTERM.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"sigs.k8s.io/yaml"
)

type (
	Unit struct {
		name        string
		version     string
		environment string

		config  *Config
		main    Runnable
		environ map[string]string
		stdout  io.Writer
	}

	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable is implemented by runnables reading their own
	// section of the configuration file. GetConfiguration must return
	// a pointer.
	Configurable interface {
		GetConfiguration() any
	}

	Config struct {
		Log     LogConfig     `json:"log" envPrefix:"LOG_"`
		Metrics MetricsConfig `json:"metrics" envPrefix:"METRICS_"`
		Tracing TracingConfig `json:"tracing" envPrefix:"TRACING_"`
	}

	LogConfig struct {
		Level  string `json:"level" env:"LEVEL"`
		Format string `json:"format" env:"FORMAT"`
	}

	MetricsConfig struct {
		Addr string `json:"addr" env:"ADDR"`
	}

	// TracingConfig configures the OTLP/HTTP exporter. An empty Addr
	// disables tracing.
	TracingConfig struct {
		Addr          string `json:"addr" env:"ADDR"`
		Insecure      bool   `json:"insecure" env:"INSECURE"`
		MaxBatchSize  int    `json:"max-batch-size" env:"MAX_BATCH_SIZE"`
		BatchTimeout  int    `json:"batch-timeout" env:"BATCH_TIMEOUT"`
		ExportTimeout int    `json:"export-timeout" env:"EXPORT_TIMEOUT"`
		MaxQueueSize  int    `json:"max-queue-size" env:"MAX_QUEUE_SIZE"`
	}
)

func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		stdout:      os.Stdout,
		config: &Config{
			Log: LogConfig{
				Level:  "info",
				Format: string(log.FormatJSON),
			},
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				Addr:          "localhost:4318",
				Insecure:      true,
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
		},
	}
}

func (u *Unit) Run() error {
	return u.RunContext(context.Background())
}

func (u *Unit) RunContext(ctx context.Context) error {
	return u.run(ctx, os.Args[1:])
}

func (u *Unit) run(parentCtx context.Context, args []string) error {
	flags := flag.NewFlagSet(u.name, flag.ContinueOnError)
	filename := flags.String("cfg-file", "", "the path of the configuration file")
	printCfg := flags.Bool("print-cfg", false, "print the loaded cfg and exit")
	version := flags.Bool("version", false, "show the service version")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return fmt.Errorf("cannot parse flags: %w", err)
	}

	if *version {
		fmt.Fprintf(u.stdout, "version: %s\n", u.version)
		return nil
	}

	if *filename != "" {
		if err := u.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	if err := u.loadConfigurationFromEnv(); err != nil {
		return fmt.Errorf("cannot load configuration from environment: %w", err)
	}

	if *printCfg {
		config := map[string]any{"unit": u.config}
		if configurable, ok := u.main.(Configurable); ok {
			config[u.name] = configurable.GetConfiguration()
		}

		encoder := json.NewEncoder(u.stdout)
		encoder.SetIndent("", "\t")

		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("cannot encode configuration: %w", err)
		}

		return nil
	}

	rootLogger, err := u.newLogger()
	if err != nil {
		return err
	}

	logger := rootLogger.Named("unit")

	signalCtx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancelCause(signalCtx)
	defer cancel(context.Canceled)

	otel.SetErrorHandler(&otelErrorHandler{ctx: ctx, logger: rootLogger.Named("otel")})
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	wg := sync.WaitGroup{}
	metricsInitialized := make(chan prometheus.Registerer, 1)
	tracingInitialized := make(chan trace.TracerProvider, 1)

	metricsServerCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runMetricsServer(metricsServerCtx, rootLogger, metricsInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	tracingExporterCtx, stopTracingExporter := context.WithCancel(context.Background())
	defer stopTracingExporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runTracingExporter(tracingExporterCtx, rootLogger, tracingInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	var registry prometheus.Registerer
	var traceProvider trace.TracerProvider

	select {
	case registry = <-metricsInitialized:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	select {
	case traceProvider = <-tracingInitialized:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	otel.SetTracerProvider(traceProvider)

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := u.main.Run(ctx, rootLogger, registry, traceProvider); err != nil {
			cancel(err)
			return
		}

		cancel(context.Canceled)
	}()

	<-ctx.Done()

	logger.Info("shutting down", log.Any("cause", context.Cause(ctx)))

	stopMetricsServer()
	stopTracingExporter()

	wg.Wait()

	if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (u *Unit) newLogger() (*log.Logger, error) {
	level, err := log.ParseLevel(u.config.Log.Level)
	if err != nil {
		return nil, err
	}

	format := log.Format(u.config.Log.Format)
	switch format {
	case log.FormatJSON, log.FormatPretty:
	default:
		return nil, fmt.Errorf("unknown log format %q", u.config.Log.Format)
	}

	return log.NewLogger(
		log.WithName(u.name),
		log.WithLevel(level),
		log.WithFormat(format),
		log.WithOutput(u.stdout),
		log.WithAttributes(
			log.String("version", u.version),
			log.String("environment", u.environment),
		),
	), nil
}

func (u *Unit) runMetricsServer(ctx context.Context, rootLogger *log.Logger, initialized chan<- prometheus.Registerer) error {
	logger := rootLogger.Named("unit.metrics")

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            logger.StdLogger(log.LevelError),
		},
	)

	httpServer := &http.Server{
		Addr: u.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		ErrorLog:     logger.StdLogger(log.LevelError),
	}

	logger.Info("starting metrics server", log.String("addr", httpServer.Addr))
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	initialized <- registry

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started", log.String("addr", listener.Addr().String()))

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) runTracingExporter(ctx context.Context, rootLogger *log.Logger, initialized chan<- trace.TracerProvider) error {
	logger := rootLogger.Named("unit.tracing")
	config := u.config.Tracing

	if config.Addr == "" {
		logger.Info("tracing disabled")
		initialized <- noop.NewTracerProvider()
		<-ctx.Done()
		return ctx.Err()
	}

	logger.Info("starting traces exporter", log.String("addr", config.Addr))

	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15 * time.Second),
	}
	if config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	exporter := otlptracehttp.NewUnstarted(options...)
	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("cannot create otel exporter: %w", err)
	}

	traceProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(u.name),
				semconv.ServiceVersion(u.version),
				semconv.DeploymentEnvironmentName(u.environment),
			),
		),
	)

	initialized <- traceProvider

	logger.Info("traces exporter started")

	<-ctx.Done()

	logger.Info("shutting down traces exporter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := traceProvider.ForceFlush(shutdownCtx); err != nil {
		return fmt.Errorf("cannot flush remaining spans: %w", err)
	}

	// Shutting the provider down also shuts its exporter down.
	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown provider: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	config := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := config["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	if configurable, ok := u.main.(Configurable); ok {
		if section, ok := config[u.name]; ok {
			if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
				return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
			}
		}
	}

	return nil
}

// loadConfigurationFromEnv overrides the loaded configuration with
// UNIT_* variables and, for a Configurable main, variables prefixed
// with the upper cased unit name.
func (u *Unit) loadConfigurationFromEnv() error {
	if err := env.ParseWithOptions(u.config, env.Options{Prefix: "UNIT_", Environment: u.environ}); err != nil {
		return fmt.Errorf("cannot parse %q section: %w", "unit", err)
	}

	if configurable, ok := u.main.(Configurable); ok {
		prefix := strings.ToUpper(strings.ReplaceAll(u.name, "-", "_")) + "_"
		if err := env.ParseWithOptions(configurable.GetConfiguration(), env.Options{Prefix: prefix, Environment: u.environ}); err != nil {
			return fmt.Errorf("cannot parse %q section: %w", u.name, err)
		}
	}

	return nil
}
