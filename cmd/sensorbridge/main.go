// Command sensorbridge reports sensor values to home automation hubs and
// forwards hub commands to actuators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/trymwestin/sensorbridge/internal/config"
	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/state"
	"github.com/trymwestin/sensorbridge/internal/httpapi"
	"github.com/trymwestin/sensorbridge/internal/local"
	"github.com/trymwestin/sensorbridge/internal/mqtt"
	"github.com/trymwestin/sensorbridge/internal/openhab"
	"github.com/trymwestin/sensorbridge/internal/reporter"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "sensorbridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stderr, log); err != nil {
		log.Error("sensorbridge failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logOut io.Writer, log *slog.Logger) error {
	a, err := newApp(cfg, logOut, log)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		a.shutdown()
		return nil
	case err := <-a.errCh:
		a.shutdown()
		return fmt.Errorf("status API: %w", err)
	}
}

// app is the wired process: connections, the reporter and the optional
// status API.
type app struct {
	log   *slog.Logger
	store *state.StateStore
	rep   *reporter.Reporter
	conns []namedConnection
	srv   *http.Server
	errCh chan error
}

type namedConnection struct {
	name string
	conn connection.Connection
}

func newApp(cfg config.Config, logOut io.Writer, log *slog.Logger) (*app, error) {
	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStateStore(bus, log.With("component", "state"))
	rep := reporter.New(store, bus, log.With("component", "reporter"))

	a := &app{log: log, store: store, rep: rep, errCh: make(chan error, 1)}

	names := make([]string, 0, len(cfg.Connections))
	for name := range cfg.Connections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cc := cfg.Connections[name]
		connLog := log
		if cc.Level != "" {
			connLog = newLogger(logOut, cfg.Log.Format, cc.Level)
		}
		connLog = connLog.With("connection", name)

		c, err := newConnection(cc, rep.Control, connLog)
		if err != nil {
			a.disconnectAll()
			return nil, fmt.Errorf("connection %s: %w", name, err)
		}
		rep.AddConnection(name, c)
		a.conns = append(a.conns, namedConnection{name: name, conn: c})
	}

	for _, d := range cfg.Sensors {
		if err := rep.AddSensor(d.Name, reporter.Bindings(d.Connections)); err != nil {
			a.disconnectAll()
			return nil, err
		}
	}
	for _, d := range cfg.Actuators {
		if err := rep.AddActuator(d.Name, reporter.Bindings(d.Connections)); err != nil {
			a.disconnectAll()
			return nil, err
		}
	}

	for _, nc := range a.conns {
		nc.conn.AnnounceCapabilities()
	}

	if cfg.HTTP.Addr != "" {
		api := httpapi.NewServer(rep, store, cfg.HTTP.CORSAll, log.With("component", "http"))
		a.srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func newConnection(cc config.ConnectionConfig, control connection.Handler, log *slog.Logger) (connection.Connection, error) {
	switch cc.Type {
	case config.TypeOpenHAB:
		c, err := openhab.New(cc.OpenHAB, control, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TypeMQTT:
		c, err := mqtt.New(cc.MQTT, control, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TypeLocal:
		return local.New(cc.Local, control, log), nil
	}
	return nil, fmt.Errorf("unknown connection type %q", cc.Type)
}

func (a *app) start(ctx context.Context) error {
	if err := a.rep.Start(ctx); err != nil {
		return err
	}
	if a.srv == nil {
		return nil
	}
	go func() {
		a.log.Info("status API listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("status API failed", "error", err)
			a.errCh <- err
		}
	}()
	return nil
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Warn("status API shutdown", "error", err)
		}
	}
	_ = a.rep.Stop(ctx)
	a.disconnectAll()

	// Give stream readers a chance to exit before the process does.
	for _, nc := range a.conns {
		if w, ok := nc.conn.(interface{ Wait(context.Context) error }); ok {
			if err := w.Wait(ctx); err != nil {
				a.log.Warn("connection did not stop in time", "connection", nc.name, "error", err)
			}
		}
	}
}

func (a *app) disconnectAll() {
	for _, nc := range a.conns {
		nc.conn.Disconnect()
	}
}

// newLogger builds a text or JSON slog logger at the named level.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
