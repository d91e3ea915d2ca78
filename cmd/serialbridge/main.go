// Command serialbridge serves the serial port command API over HTTP and
// streams read chunks to in-process subscribers, MQTT and a capture database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"tailscale.com/tsweb"

	"github.com/banshee-data/serialbridge/internal/api"
	"github.com/banshee-data/serialbridge/internal/capture"
	"github.com/banshee-data/serialbridge/internal/config"
	"github.com/banshee-data/serialbridge/internal/enumerate"
	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/monitoring"
	"github.com/banshee-data/serialbridge/internal/serialport"
	"github.com/banshee-data/serialbridge/internal/version"
)

const httpShutdownTimeout = 5 * time.Second

type flags struct {
	configPath  string
	listen      string
	driver      string
	logLevel    string
	captureDB   string
	writeConfig string
	version     bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("serialbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to a .toml, .yaml or .json config file")
	fs.StringVar(&f.listen, "listen", "", "Listen address (overrides config)")
	fs.StringVar(&f.driver, "driver", "", "Serial driver: bugst or termios (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (overrides config)")
	fs.StringVar(&f.captureDB, "capture-db", "", "Record read chunks to this sqlite database")
	fs.StringVar(&f.writeConfig, "write-config", "", "Write a default config file to this path and exit")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	err := fs.Parse(args)
	return f, err
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.listen != "" {
		cfg.SetListen(f.listen)
	}
	if f.driver != "" {
		cfg.SetDriver(f.driver)
	}
	if f.logLevel != "" {
		cfg.SetLogLevel(f.logLevel)
	}
	if f.captureDB != "" {
		cfg.SetCapturePath(f.captureDB)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sinks holds the optional chunk consumers so they can be released on exit.
type sinks struct {
	hub       *events.Hub
	store     *capture.Store
	client    mqtt.Client
	publisher *events.MQTTSink
	fanout    events.Fanout
}

func buildSinks(cfg *config.Config) (*sinks, error) {
	s := &sinks{hub: events.NewHub(events.DefaultSubscriberBuffer)}
	s.fanout = events.Fanout{s.hub}

	if cfg.GetMQTTEnabled() {
		opts := events.MQTTOptions{
			Broker:      cfg.GetMQTTBroker(),
			ClientID:    cfg.GetMQTTClientID(),
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
			QoS:         cfg.GetMQTTQoS(),
		}
		client, err := events.DialMQTT(opts)
		if err != nil {
			s.close()
			return nil, err
		}
		s.client = client
		s.publisher = events.NewMQTTSink(client, opts)
		s.fanout = append(s.fanout, s.publisher)
	}

	if cfg.GetCaptureEnabled() {
		store, err := capture.Open(cfg.GetCapturePath())
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
		s.fanout = append(s.fanout, store)
	}
	return s, nil
}

func (s *sinks) close() {
	s.hub.Close()
	if s.publisher != nil {
		s.publisher.Flush()
	}
	if s.client != nil {
		s.client.Disconnect(250)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log := monitoring.Logger()
			log.Warn().Err(err).Msg("failed to close capture database")
		}
	}
}

// newHandler assembles the API and the /debug/ admin pages on one mux.
func newHandler(mgr *serialport.Manager, s *sinks, watcher *enumerate.Watcher, cfg *config.Config) (http.Handler, error) {
	mux := http.NewServeMux()

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KV("Serial driver", cfg.GetDriver())
	mgr.AttachAdminRoutes(debug)

	opts := api.Options{
		Commands:  mgr,
		Hub:       s.hub,
		Watcher:   watcher,
		CloseWait: cfg.GetCloseWait(),
	}
	if s.store != nil {
		if err := s.store.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
		opts.Capture = s.store
	}
	mux.Handle("/api/", api.NewServer(opts).Handler())
	return mux, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if f.version {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if f.writeConfig != "" {
		if err := config.WriteDefault(f.writeConfig); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote default config to %s\n", f.writeConfig)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if _, err := monitoring.Configure(monitoring.Options{
		App:    "serialbridge",
		Level:  cfg.GetLogLevel(),
		Format: cfg.GetLogFormat(),
		Out:    stderr,
	}); err != nil {
		return err
	}
	log := monitoring.Logger()

	opener, err := serialport.OpenerFor(serialport.Driver(cfg.GetDriver()))
	if err != nil {
		return err
	}

	s, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	lister := enumerate.NewLister()
	mgr := serialport.NewManager(ctx, serialport.Config{
		Opener:           opener,
		Lister:           lister,
		Sink:             s.fanout,
		DefaultTimeout:   cfg.GetTimeout(),
		DefaultChunkSize: cfg.GetChunkSize(),
	})

	handler, err := newHandler(mgr, s, enumerate.NewWatcher(lister, cfg.GetPortsDir()), cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when the daemon is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen", server.Addr).Str("driver", cfg.GetDriver()).Str("version", version.Version).Msg("serving")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("serial manager shutdown error")
	}
	log.Info().Msg("graceful shutdown complete")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "serialbridge: %v\n", err)
		os.Exit(1)
	}
}
