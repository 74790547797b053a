package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"wlbridge/internal/compression"
	"wlbridge/internal/config"
	"wlbridge/internal/healthz"
	"wlbridge/internal/logging"
	"wlbridge/internal/metrics"
	"wlbridge/internal/mux"
	"wlbridge/internal/native"
	"wlbridge/internal/transfer"
	"wlbridge/internal/transport"
	"wlbridge/internal/transport/ws"
	"wlbridge/internal/transport/wssmux"
	"wlbridge/internal/wire"
	"wlbridge/internal/xwayland"
)

const shutdownTimeout = 10 * time.Second

type overrides struct {
	listen   string
	display  string
	level    string
	xwayland bool
}

func main() {
	flags := pflag.NewFlagSet("wlbridge", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the YAML config file")
	var o overrides
	flags.StringVar(&o.listen, "listen", "", "override transport.listen")
	flags.StringVar(&o.display, "display", "", "override native.display")
	flags.StringVar(&o.level, "log-level", "", "override logging.level")
	flags.BoolVar(&o.xwayland, "xwayland", false, "enable Xwayland")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var (
		reloader *config.ReloadableConfig
		cfg      *config.Config
		err      error
	)
	if *configPath != "" {
		reloader, err = config.NewReloadable(*configPath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			os.Exit(1)
		}
		defer reloader.Close()
		cfg = reloader.Get()
	} else {
		cfg = config.Default()
	}
	cfg = o.apply(cfg)

	log, level, err := logging.NewLevel(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restartCh := make(chan *config.Config, 1)
	if reloader != nil {
		reloader.Watch(func(old, next *config.Config) {
			next = o.apply(next)
			if lvl, err := zapcore.ParseLevel(next.Logging.Level); err == nil {
				level.SetLevel(lvl)
			}
			if onlyLoggingChanged(o.apply(old), next) {
				log.Info("config reloaded: log level updated", zap.String("level", next.Logging.Level))
				return
			}
			select {
			case restartCh <- next:
			default:
			}
		})
	}

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx, cfg, log) }()

	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case next := <-restartCh:
			log.Info("config reloaded: restarting bridge with updated settings")
			runCancel()
			<-errCh
			cfg = next
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go func() { errCh <- run(runCtx, cfg, log) }()
		case err := <-errCh:
			runCancel()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, mux.ErrNativeUnreachable) {
				log.Error("display server unreachable, exiting", zap.Error(err))
				log.Sync()
				os.Exit(1)
			}
			log.Error("bridge failed, restarting", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go func() { errCh <- run(runCtx, cfg, log) }()
		}
	}
}

func (o overrides) apply(cfg *config.Config) *config.Config {
	c := *cfg
	if o.listen != "" {
		c.Transport.Listen = o.listen
	}
	if o.display != "" {
		c.Native.Display = o.display
		c.Native.Socket = ""
	}
	if o.level != "" {
		c.Logging.Level = o.level
	}
	if o.xwayland {
		c.XWayland.Enabled = true
	}
	return &c
}

func onlyLoggingChanged(old, next *config.Config) bool {
	a, b := *old, *next
	a.Logging.Level, b.Logging.Level = "", ""
	return reflect.DeepEqual(a, b)
}

// run serves one configuration until ctx ends or the bridge fails.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	table := wire.CoreTable()
	if cfg.Protocol.Table != "" {
		t, err := wire.LoadTable(cfg.Protocol.Table)
		if err != nil {
			return fmt.Errorf("protocol table: %w", err)
		}
		table = t
	}
	codecs, err := compression.NewSet(cfg.Transfer.Compression, int(cfg.Transport.MaxFrame))
	if err != nil {
		return err
	}
	defer codecs.Close()

	socket, err := native.SocketPath(cfg.Native.Socket, cfg.Native.Display)
	if err != nil {
		return err
	}
	m := mux.New(mux.Config{
		MaxConnections:      cfg.Native.MaxConnections,
		MaxPendingFrames:    cfg.Transport.MaxPendingFrames,
		InboundBytesPerSec:  cfg.Transport.RateLimit.BytesPerSec,
		InboundFramesPerSec: cfg.Transport.RateLimit.FramesPerSec,
		InboundBurst:        cfg.Transport.RateLimit.Burst,
		Transfer: transfer.Config{
			ChunkSize:    cfg.Transfer.ChunkSize,
			MaxPayload:   cfg.Transfer.MaxPayload,
			MaxInflight:  cfg.Transfer.MaxInflight,
			VerifyDigest: cfg.VerifyDigest(),
			Codecs:       codecs,
		},
	}, table, native.DialPath(socket), log.Named("mux"))

	ln, err := listen(cfg, log.Named("transport"))
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Transport.Listen, err)
	}
	log.Info("bridge listening",
		zap.String("mode", cfg.Transport.Mode),
		zap.String("addr", ln.Addr().String()),
		zap.String("path", cfg.Transport.Path),
		zap.String("native", socket))

	health := healthz.New(cfg.HealthInterval())
	health.Register(healthz.UnixSocket("native_display", socket))
	health.Register(healthz.Running("native_coordinator", m.Coordinator()))

	var xw *xwayland.Controller
	if cfg.XWayland.Enabled {
		xw = xwayland.New(xwayland.Config{
			Path:           cfg.XWayland.Path,
			Args:           cfg.XWayland.Args,
			Env:            cfg.XWayland.Env,
			StartupTimeout: cfg.XWaylandStartupTimeout(),
			StopTimeout:    cfg.XWaylandStopTimeout(),
		}, log.Named("xwayland"))
		defer xw.Subscribe(m)()
		health.Register(healthz.State("xwayland", func() string { return xw.State().String() }, xwayland.Running.String()))
	}

	srv, err := metrics.Start(metrics.Options{
		Addr:      cfg.Metrics.Listen,
		AuthToken: cfg.Metrics.AuthToken,
		Pprof:     cfg.Metrics.Pprof,
		Health:    health.Handler(),
	}, log.Named("metrics"))
	if err != nil {
		ln.Close()
		return err
	}
	if srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Serve(gctx, ln) })
	g.Go(func() error {
		health.Start(gctx)
		return nil
	})
	if xw != nil {
		g.Go(func() error {
			runXWayland(gctx, xw, m, log)
			return nil
		})
	}
	return g.Wait()
}

func listen(cfg *config.Config, log *zap.Logger) (transport.Listener, error) {
	t := cfg.Transport
	if t.Mode == "wssmux" {
		l, err := wssmux.Listen(wssmux.Config{
			Addr:           t.Listen,
			Path:           t.Path,
			OriginPatterns: t.OriginPatterns,
			MaxConns:       t.MaxHTTPConns,
			MaxFrame:       t.MaxFrame,
			Guard:          t.Guard,
			Backlog:        t.Backlog,
			Smux: wssmux.SmuxConfig(cfg.SmuxKeepAliveInterval(), cfg.SmuxKeepAliveTimeout(),
				t.Smux.MaxStreamBuffer, t.Smux.MaxReceiveBuffer),
		}, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := ws.Listen(ws.Config{
		Addr:           t.Listen,
		Path:           t.Path,
		OriginPatterns: t.OriginPatterns,
		MaxConns:       t.MaxHTTPConns,
		MaxFrame:       t.MaxFrame,
		Guard:          t.Guard,
		Backlog:        t.Backlog,
	}, log)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// runXWayland starts Xwayland once the multiplexer serves and stops it when
// ctx ends. A failed start leaves the bridge running without it.
func runXWayland(ctx context.Context, xw *xwayland.Controller, m *mux.Multiplexer, log *zap.Logger) {
	select {
	case <-m.Serving():
	case <-ctx.Done():
		return
	}
	display, err := xw.Start(ctx)
	if err != nil {
		log.Warn("xwayland unavailable", zap.Error(err))
		return
	}
	log.Info("xwayland running", zap.Int("display", display))
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := xw.Stop(sctx); err != nil && !errors.Is(err, xwayland.ErrNotRunning) {
		log.Warn("xwayland stop", zap.Error(err))
	}
}
