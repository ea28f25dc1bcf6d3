package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	relay "github.com/RelayTeam/Relay-Daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load()

	configurationLocation := flag.String("configuration", os.Getenv("CONFIGURATION_PATH"), "Path of configuration file")
	loggingLevel := flag.String("level", os.Getenv("LOGGING_LEVEL"), "Logging level")
	loggingFileLoggingEnabled := flag.Bool("fileLoggingEnabled", os.Getenv("LOGGING_FILE_LOGGING_ENABLED") == "true", "When enabled, will save logs to files")
	loggingDirectory := flag.String("directory", os.Getenv("LOGGING_DIRECTORY"), "Directory to store logs in")
	loggingFilename := flag.String("filename", os.Getenv("LOGGING_FILENAME"), "Filename to store logs as")
	loggingMaxSize := flag.Int("maxSize", 100, "Maximum size (in MB) of logs before rotating")
	loggingMaxBackups := flag.Int("maxBackups", 10, "Maximum number of log rotations to keep")
	loggingMaxAge := flag.Int("maxAge", 31, "Maximum age (in days) of log rotations to keep")
	prometheusAddress := flag.String("prometheusAddress", os.Getenv("PROMETHEUS_ADDRESS"), "Address to serve prometheus metrics on")
	restProxyURL := flag.String("restProxy", os.Getenv("REST_PROXY_URL"), "Host to proxy Discord REST requests through")
	pprofAddress := flag.String("pprofAddress", os.Getenv("PPROF_ADDRESS"), "Address to serve pprof on, disabled when empty")

	flag.Parse()

	if *configurationLocation == "" {
		*configurationLocation = "relay.yaml"
	}

	level, err := zerolog.ParseLevel(*loggingLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	}

	if *loggingFileLoggingEnabled {
		if err := os.MkdirAll(*loggingDirectory, 0o744); err != nil {
			panic(fmt.Errorf("failed to create logging directory: %w", err))
		}

		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   *loggingDirectory + "/" + *loggingFilename,
			MaxSize:    *loggingMaxSize,
			MaxBackups: *loggingMaxBackups,
			MaxAge:     *loggingMaxAge,
		})
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)

	if *pprofAddress != "" {
		go func() {
			if err := http.ListenAndServe(*pprofAddress, nil); err != nil {
				logger.Error().Err(err).Msg("Failed to serve pprof")
			}
		}()
	}

	// Leave the client nil unless the flag forces a proxy; Start wires
	// the configured rest_proxy and identify URL otherwise.
	var client *http.Client

	if *restProxyURL != "" {
		proxyURL, err := url.Parse(*restProxyURL)
		if err != nil {
			panic(fmt.Errorf("failed to parse rest proxy URL: %w", err))
		}

		client = relay.NewProxyClient(*http.DefaultClient, *proxyURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon := relay.NewRelay(
		ctx,
		logger,
		relay.NewConfigProviderFromPath(*configurationLocation),
		client,
		nil,
		relay.NewMQProducerProvider(),
	).WithPanicHandler(func(_ *relay.Relay, r any) {
		logger.Error().Interface("panic", r).Msg("Panic occurred")

		stackTrace := debug.Stack()
		println(string(stackTrace))

		filename := fmt.Sprintf("logs/panic_%s.log", time.Now().Format("2006-01-02_15-04-05"))

		if err := os.MkdirAll("logs", 0o755); err != nil {
			logger.Error().Err(err).Msg("Failed to create logs directory")

			return
		}

		if err := os.WriteFile(filename, stackTrace, 0o600); err != nil {
			logger.Error().Err(err).Msg("Failed to write stack trace to file")
		}
	})

	if *prometheusAddress != "" {
		daemon = daemon.WithPrometheusAnalytics(
			&http.Server{
				Addr:              *prometheusAddress,
				WriteTimeout:      time.Second * 10,
				ReadTimeout:       time.Second * 10,
				ReadHeaderTimeout: time.Second * 10,
				IdleTimeout:       time.Second * 10,
			},
			prometheus.NewPedanticRegistry(),
			promhttp.HandlerOpts{},
		)
	}

	if err := daemon.Start(ctx); err != nil {
		panic(fmt.Errorf("failed to start relay: %w", err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sig

	daemon.Stop()
}
