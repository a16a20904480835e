package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/parental/agent/internal/audit"
	"github.com/parental/agent/internal/config"
	"github.com/parental/agent/internal/enforcer"
	"github.com/parental/agent/internal/health"
	"github.com/parental/agent/internal/heartbeat"
	"github.com/parental/agent/internal/ipc"
	"github.com/parental/agent/internal/logging"
	"github.com/parental/agent/internal/privilege"
	"github.com/parental/agent/internal/sessiondir"
)

// eventSource is the Application event log source registered at install.
const eventSource = "Parental"

// shutdownTimeout bounds how long shutdown waits for the loop and the status
// channel to drain.
const shutdownTimeout = 15 * time.Second

// agentComponents holds everything startAgent brought up so shutdownAgent
// can tear it down in reverse order.
type agentComponents struct {
	cancel  context.CancelFunc
	loop    *enforcer.Loop
	loopErr chan error
	ipcDone chan struct{}
	audit   *audit.Logger
	closers []func() error
}

func runAgent() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if isWindowsService() {
		if err := runAsService(func() (*agentComponents, error) { return startAgent(cfg) }); err != nil {
			log.Error("service run failed", logging.KeyError, err)
			os.Exit(1)
		}
		return
	}

	comps, err := startAgent(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutdown signal received", "signal", sig.String())
	shutdownAgent(comps)
}

// startAgent wires the engine from cfg and starts it. Only failures that
// leave nothing to run are returned; a missing privilege or helper disables
// enforcement and is logged once.
func startAgent(cfg *config.Config) (*agentComponents, error) {
	comps := &agentComponents{}
	comps.closers = append(comps.closers, initLogging(cfg)...)

	log.Info("starting parental agent",
		"version", version,
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
		"pid", os.Getpid(),
	)
	logHostInfo()

	store, err := openStore(cfg)
	if err != nil {
		comps.close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	st := store.Load()
	if !st.HasIdentity() {
		log.Warn("server address or device id not configured; run 'parental-agent configure'")
	}

	if cfg.AuditEnabled {
		al, err := audit.NewLogger(audit.Options{
			Path:       cfg.AuditFile,
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
		})
		if err != nil {
			log.Warn("audit log disabled", logging.KeyError, err)
		} else {
			comps.audit = al
		}
	}

	mon := health.NewMonitor()
	executor := newExecutor(cfg, mon)

	comps.loop = enforcer.New(enforcer.Deps{
		Store:     store,
		Fetcher:   heartbeat.NewClient(version),
		Directory: sessiondir.New(),
		Executor:  executor,
		Audit:     comps.audit,
		Health:    mon,
	}, enforcer.Options{
		Interval:         cfg.PollInterval(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		Location:         cfg.Location(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	comps.cancel = cancel
	comps.loopErr = make(chan error, 1)
	go func() { comps.loopErr <- comps.loop.Run(ctx) }()

	if cfg.StatusEnabled {
		srv := ipc.NewServer(cfg.StatusSocket, version, func() any { return comps.loop.Snapshot() })
		if err := srv.Listen(); err != nil {
			log.Warn("status channel unavailable", "path", srv.Path(), logging.KeyError, err)
		} else {
			comps.ipcDone = make(chan struct{})
			go func() {
				defer close(comps.ipcDone)
				if err := srv.Serve(ctx); err != nil {
					log.Warn("status channel stopped", logging.KeyError, err)
				}
			}()
		}
	}

	comps.audit.Log(audit.EventAgentStart, st.DeviceID, map[string]any{
		"version":     version,
		"enforcement": executor != nil,
		"interval":    cfg.PollInterval().String(),
	})
	return comps, nil
}

// newExecutor returns nil when enforcement cannot work on this host. The
// reason is a fatal configuration error for enforcement only; the loop still
// heartbeats and reports status.
func newExecutor(cfg *config.Config, mon *health.Monitor) privilege.Executor {
	if err := privilege.RequireSystem(); err != nil {
		log.Error("agent is not running with system privileges, enforcement disabled", logging.KeyError, err)
		mon.Update(health.ComponentEnforcement, health.Unhealthy, err.Error())
		return nil
	}
	exec, err := privilege.NewExecutor(privilege.Options{
		HelperPath:    cfg.HelperPath,
		HelperTimeout: cfg.HelperTimeout(),
		Attempts:      cfg.HelperAttempts,
		Backoff:       cfg.HelperBackoff(),
	})
	if err != nil {
		switch {
		case errors.Is(err, privilege.ErrUnsupportedPlatform):
			log.Error("session locking is not supported on this platform, enforcement disabled", logging.KeyError, err)
		case errors.Is(err, privilege.ErrHelperMissing):
			log.Error("lock helper not found, enforcement disabled", logging.KeyError, err)
		default:
			log.Error("cannot create privileged executor, enforcement disabled", logging.KeyError, err)
		}
		mon.Update(health.ComponentEnforcement, health.Unhealthy, err.Error())
		return nil
	}
	mon.Update(health.ComponentEnforcement, health.Healthy, "")
	return exec
}

func shutdownAgent(comps *agentComponents) {
	if comps == nil {
		return
	}
	log.Info("shutting down agent")
	comps.cancel()

	deadline := time.After(shutdownTimeout)
	select {
	case err := <-comps.loopErr:
		if err != nil {
			log.Error("enforcement loop exited with error", logging.KeyError, err)
		}
	case <-deadline:
		log.Warn("enforcement loop did not stop in time")
	}
	if comps.ipcDone != nil {
		select {
		case <-comps.ipcDone:
		case <-deadline:
		}
	}

	snap := comps.loop.Snapshot()
	comps.audit.Log(audit.EventAgentStop, snap.DeviceID, map[string]any{
		"ticks": snap.Ticks,
	})
	if n := comps.audit.DroppedCount(); n > 0 {
		log.Warn("audit entries dropped during run", "count", n)
	}
	comps.close()
}

func (c *agentComponents) close() {
	if c.audit != nil {
		if err := c.audit.Close(); err != nil {
			log.Warn("failed to close audit log", logging.KeyError, err)
		}
		c.audit = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
	c.closers = nil
}

// initLogging applies the logging config: stdout unless running under the
// SCM, the rotating file when configured, and the Windows Event Log.
func initLogging(cfg *config.Config) []func() error {
	var (
		closers []func() error
		writers []io.Writer
		extra   []slog.Handler
	)

	if logToStdout() {
		writers = append(writers, os.Stdout)
	}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", cfg.LogFile, err)
		} else {
			writers = append(writers, rw)
			closers = append(closers, rw.Close)
		}
	}
	if cfg.EventLogEnabled && runtime.GOOS == "windows" {
		h, closeFn, err := logging.NewEventLogHandler(eventSource, cfg.EventLogMinLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: event log unavailable: %v\n", err)
		} else {
			extra = append(extra, h)
			closers = append(closers, closeFn)
		}
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out, extra...)
	return closers
}

func logHostInfo() {
	info, err := host.Info()
	if err != nil {
		log.Debug("host info unavailable", logging.KeyError, err)
		return
	}
	log.Info("host",
		"hostname", info.Hostname,
		"platform", info.Platform,
		"platformVersion", info.PlatformVersion,
		"kernel", info.KernelVersion,
		"bootTime", time.Unix(int64(info.BootTime), 0).UTC(),
	)
}
