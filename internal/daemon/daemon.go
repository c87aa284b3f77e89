// Package daemon implements the process lifecycle: logging, the API
// server, the running session, signal handling and config hot-reload.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"icc.tech/flowsync/internal/agent"
	"icc.tech/flowsync/internal/api"
	"icc.tech/flowsync/internal/config"
	logpkg "icc.tech/flowsync/internal/log"
)

// Daemon manages the flowsync process lifecycle.
type Daemon struct {
	configPath string
	cfg        *config.GlobalConfig

	apiServer *api.Server // nil if disabled
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	session *agent.Session

	reloadChan chan struct{}
	sigChan    chan os.Signal
}

// New loads configuration and creates a daemon instance.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Daemon{
		configPath: configPath,
		cfg:        cfg,
		reloadChan: make(chan struct{}, 1),
	}, nil
}

// Run starts all components and blocks until a shutdown signal arrives or
// the session ends on its own (e.g. a finite replay completed).
func (d *Daemon) Run(ctx context.Context) error {
	if err := logpkg.Init(d.cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting flowsync daemon", "config", d.configPath)

	if d.cfg.API.Enabled {
		d.apiServer = api.NewServer(d.cfg.API.Listen, func() any {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.session == nil {
				return nil
			}
			return d.session.Status()
		})
		if err := d.apiServer.Start(ctx); err != nil {
			return err
		}
	}

	if err := d.watchConfig(); err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	}

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(d.sigChan)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	for {
		sessionDone := make(chan error, 1)
		sessionCtx, stopSession := context.WithCancel(runCtx)

		session, sessionErr := agent.NewSession(d.cfg)
		if sessionErr != nil {
			stopSession()
			err = sessionErr
			break
		}
		d.mu.Lock()
		d.session = session
		d.mu.Unlock()

		go func() { sessionDone <- session.Run(sessionCtx) }()

		reload := false
		select {
		case err = <-sessionDone:
			stopSession()
		case sig := <-d.sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("SIGHUP received, reloading configuration")
				reload = true
			} else {
				slog.Info("shutdown signal received", "signal", sig)
			}
			stopSession()
			<-sessionDone
		case <-d.reloadChan:
			slog.Info("config file changed, reloading")
			reload = true
			stopSession()
			<-sessionDone
		}

		if !reload {
			break
		}
		if reloadErr := d.reload(); reloadErr != nil {
			slog.Error("reload failed, keeping previous configuration", "error", reloadErr)
		}
	}

	d.shutdown(ctx)
	return err
}

// reload re-reads the config file and re-initializes logging.
func (d *Daemon) reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

// watchConfig installs an fsnotify watcher on the config file's directory;
// editors replace files rather than writing in place, so watching the
// directory catches renames too.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher

	target := filepath.Clean(d.configPath)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case d.reloadChan <- struct{}{}:
				default:
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", watchErr)
			}
		}
	}()

	return nil
}

func (d *Daemon) shutdown(ctx context.Context) {
	slog.Info("initiating graceful shutdown")

	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.apiServer != nil {
		if err := d.apiServer.Stop(ctx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
	}

	slog.Info("daemon stopped gracefully")
}
