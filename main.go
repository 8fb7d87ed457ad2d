package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nextcaller/sipgrep/collect"
	"github.com/nextcaller/sipgrep/dissect"
	"github.com/nextcaller/sipgrep/hep"
	"github.com/nextcaller/sipgrep/match"
	"github.com/nextcaller/sipgrep/pipeline"
	"github.com/nextcaller/sipgrep/publisher"
	"github.com/nextcaller/sipgrep/source"
)

var (
	// The following vars are meant to be filled in by
	// `go build -ldflags -X=main.<X>=<Value>`.

	// Version is the git tag of this build (v1.2.3)
	Version = "unknown"
	// Build is the git short hash ref of this build (123abcdef)
	Build = "unknown"
	// Branch is the git branch for this build (master)
	Branch = "unknown"
	// Date is when this build was created (2020-01-02T03:04:05Z)
	Date = "unknown"
)

// exitError carries the process exit status for a failed run.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func setupErr(format string, err error) error {
	return exitError{code: -1, err: fmt.Errorf(format, err)}
}

func logFileWriter(cfg *config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Log.Path,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
}

func run(args []string, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config{}
	if err := cfg.Load(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return setupErr("unable to load config: %w", err)
	}

	out := stdout
	if cfg.Log.Path != "" {
		lf := logFileWriter(cfg)
		defer lf.Close()
		out = lf
	}
	log := zerolog.New(out).With().Timestamp().Str("app", "sipgrep").Logger()
	ctx = log.WithContext(ctx)

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Msg("debug logging active")

	log.Debug().Msg("setting up signal handling")
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() { <-signals; log.Debug().Msg("received quit signal"); cancel() }()

	log.Debug().Msg("compiling SIP match gate")
	gate, err := match.New(cfg.Match)
	if err != nil {
		return setupErr("unable to compile match expression: %w", err)
	}
	for _, e := range gate.Expressions() {
		log.Debug().Str("expression", e).Msg("match expression")
	}

	log.Debug().Msg("initializing pcap source")
	capture, err := source.NewPCAP(cfg.Source)
	if err != nil {
		return setupErr("unable to initialize pcap source: %w", err)
	}
	defer capture.Close()

	link, err := dissect.NewLink(capture.LinkType())
	if err != nil {
		return setupErr("unable to dissect capture: %w", err)
	}
	log.Info().
		Str("interface", cfg.Source.Interface).
		Str("file", cfg.Source.ReadFile).
		Str("filter", capture.Filter()).
		Str("link", capture.LinkType().String()).
		Msg("capture opened")

	opts := cfg.Pipeline
	var collectors []prometheus.Collector
	collectors = append(collectors, capture.Metrics()...)

	var dumper *source.Dumper
	if cfg.DumpFile != "" {
		log.Debug().Str("file", cfg.DumpFile).Msg("creating pcap dump file")
		dumper, err = source.CreateDumper(cfg.DumpFile, cfg.Source.Snaplen, capture.LinkType())
		if err != nil {
			return setupErr("unable to create dump file: %w", err)
		}
		opts.Dump = dumper
	}

	if cfg.Replay && !capture.Live() {
		opts.Pacer = source.NewPacer()
	}

	var exporter *hep.Exporter
	if cfg.HEPURL != "" {
		log.Debug().Str("url", cfg.HEPURL).Msg("connecting HEP exporter")
		exporter, err = hep.Dial(cfg.HEPURL, cfg.HEP)
		if err != nil {
			return setupErr("unable to reach HEP collector: %w", err)
		}
		opts.Export = exporter
		collectors = append(collectors, exporter.Metrics()...)
	}

	var (
		publ      *publisher.MQTTPublisher
		collecter *collect.Collecter
		published = make(chan struct{})
	)
	if cfg.MQTT.Broker != "" {
		log.Debug().Msg("creating MQTT publisher")
		publ, err = publisher.NewMQTT(cfg.MQTT)
		if err != nil {
			return setupErr("unable to configure MQTT publisher: %w", err)
		}
		if err := publ.Connect(ctx); err != nil {
			return setupErr("unable to connect to MQTT broker: %w", err)
		}

		log.Debug().Msg("building message collecter")
		collecter = collect.NewCollecter(publ.Publish, cfg.Queue)
		// Publishing outlives capture cancellation so that queued
		// messages drain once the source stops.
		go func() { collecter.Publish(log.WithContext(context.Background())); close(published) }()
		opts.Sink = collecter
		collectors = append(collectors, collecter.Metrics()...)
	} else {
		close(published)
	}

	p := pipeline.New(link, gate, opts)
	collectors = append(collectors, p.Metrics()...)

	if cfg.MetricsAddr != "" {
		log.Debug().Msg("creating Prometheus registry")
		reg := prometheus.NewRegistry()
		version.Version = Version
		version.Revision = Build
		version.Branch = Branch
		version.BuildDate = Date
		reg.MustRegister(
			version.NewCollector("sipgrep"),
			prommod.NewCollector("sipgrep"),
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
		reg.MustRegister(collectors...)

		log.Debug().
			Str("address", cfg.MetricsAddr).
			Str("path", "/metrics").
			Msg("publishing Prometheus endpoint")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, Addr: cfg.MetricsAddr}
		// Since we never call srv.Shutdown(), ListenAndServe will only ever
		// return if the underlying socket fails.
		go func() { log.Err(srv.ListenAndServe()).Msg("http metrics endpoint failed") }()
	}

	log.Debug().Msg("beginning signaling capture")
	reason := p.Run(ctx, capture.Packets())
	log.Info().Str("reason", reason.String()).Int("matches", gate.Matches()).Msg("capture stopped")

	if n := p.Flush(ctx); n > 0 {
		log.Debug().Int("dialogs", n).Msg("flushed open dialogs")
	}

	if received, dropped, err := capture.Stats(); err == nil {
		log.Info().Int("received", received).Int("dropped", dropped).Msg("capture statistics")
	}

	if dumper != nil {
		if err := dumper.Close(); err != nil {
			log.Error().Err(err).Msg("unable to finish dump file")
		}
		log.Info().Int("packets", dumper.Count()).Str("file", cfg.DumpFile).Msg("dump written")
	}
	if exporter != nil {
		exporter.Close()
	}
	if collecter != nil {
		collecter.Close()
	}
	<-published
	if publ != nil {
		publ.Close()
	}
	log.Info().Msg("shutdown complete.")

	return nil
}

func main() {
	// these are stateful global module level changes; only do them in main
	time.Local = time.UTC
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.999Z07:00"

	err := run(os.Args, os.Stdout)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n", err)
	code := 1
	var ee exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	os.Exit(code)
}
