// Package daemon hosts the long-running process: it owns the queue store,
// runs the workflow engine against the tmux session, serves the UDS control
// socket, and supervises the background loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/taskpilot/taskpilot/internal/backup"
	"github.com/taskpilot/taskpilot/internal/engine"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/lock"
	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/metrics"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/session"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/uds"
	"github.com/taskpilot/taskpilot/internal/usagelimit"
	"github.com/taskpilot/taskpilot/internal/watchdog"
)

// Daemon is the single process allowed to execute tasks. A second instance
// fails fast on the daemon lock.
type Daemon struct {
	baseDir string
	cfg     model.Config
	logger  *logging.Logger
	logFile io.Closer

	daemonLock *lock.Manager
	lockHandle *lock.Handle
	server     *uds.Server
	watcher    *fsnotify.Watcher

	store   *store.Store
	backups *backup.Manager
	monitor *watchdog.Monitor
	limiter *usagelimit.Recovery
	sess    session.Executor
	engine  *engine.Engine
	bus     *events.Bus
	audit   *events.AuditLogger

	wake chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once

	running atomic.Int32
}

// New builds a daemon writing its log to .taskpilot/logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logger, closer, err := logging.NewFile(baseDir, "daemon", logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(baseDir, cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	d.logFile = closer
	return d, nil
}

// newDaemon is the internal constructor used by tests with their own logger.
func newDaemon(baseDir string, cfg model.Config, logger *logging.Logger) (*Daemon, error) {
	st, err := store.New(baseDir, cfg, logger.WithComponent("store"))
	if err != nil {
		return nil, err
	}

	backups := backup.NewManager(baseDir, cfg, logger.WithComponent("backup"))
	st.SetCheckpointer(backups)

	monitor := watchdog.NewMonitor(
		st, backups,
		time.Duration(cfg.Timeout.WarnThresholdSec)*time.Second,
		logger.WithComponent("watchdog"),
	)
	limiter := usagelimit.NewRecovery(baseDir, cfg.UsageLimit, logger.WithComponent("usagelimit"))
	sess := session.NewTmuxExecutor(cfg.Session, logger.WithComponent("session"))

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	d := &Daemon{
		baseDir: baseDir,
		cfg:     cfg,
		logger:  logger,
		daemonLock: lock.NewManager(filepath.Join(baseDir, "locks", "daemon.lock"), lock.Options{
			// Fail fast: a live holder means another daemon owns this dir.
			AcquireTimeout: 2 * time.Second,
			StaleAge:       time.Duration(cfg.Lock.StaleAgeSec) * time.Second,
		}),
		server:  uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName), logger.WithComponent("uds")),
		store:   st,
		backups: backups,
		monitor: monitor,
		limiter: limiter,
		sess:    sess,
		bus:     events.NewBus(256),
		wake:    make(chan struct{}, 1),
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
	}
	d.engine = engine.New(baseDir, cfg, st, backups, monitor, limiter, sess, logger.WithComponent("engine"))

	monitor.SetCallbacks(
		func(taskID string, remaining time.Duration) {
			d.bus.Publish(events.EventTimeoutWarning, map[string]any{
				"task_id":           taskID,
				"remaining_seconds": int(remaining.Seconds()),
			})
		},
		func(taskID string) {
			d.bus.Publish(events.EventTaskTimeout, map[string]any{"task_id": taskID})
		},
	)

	return d, nil
}

// SetSessionExecutor swaps the session backend. Must be called before Run;
// tests use it to avoid a real tmux.
func (d *Daemon) SetSessionExecutor(sess session.Executor) {
	d.sess = sess
	d.engine = engine.New(d.baseDir, d.cfg, d.store, d.backups, d.monitor, d.limiter, sess, d.logger.WithComponent("engine"))
}

// Run starts every subsystem and blocks until shutdown completes.
func (d *Daemon) Run() error {
	h, err := d.daemonLock.Acquire(d.ctx)
	if err != nil {
		return fmt.Errorf("daemon lock: %w (is another taskpilot daemon running?)", err)
	}
	d.lockHandle = h
	d.logger.Infof("event=daemon_starting pid=%d dir=%s", os.Getpid(), d.baseDir)

	audit, err := events.NewAuditLogger(filepath.Join(d.baseDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.releaseLock()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.audit.AttachTo(d.bus)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.releaseLock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	queueDir := filepath.Join(d.baseDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure queue dir: %w", err)
	}
	if err := watcher.Add(queueDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", queueDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("event=uds_listening socket=%s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	if err := d.backups.StartScheduler(d.ctx); err != nil {
		d.logger.Warnf("event=backup_scheduler_failed err=%v", err)
	}
	if d.cfg.Metrics.Enabled {
		d.group.Go(func() error {
			return metrics.Serve(d.ctx, d.cfg.Metrics.ListenAddr, d.logger.WithComponent("metrics"))
		})
	}

	d.group.Go(d.fsnotifyLoop)
	for i := 0; i < d.cfg.Daemon.Concurrency; i++ {
		d.group.Go(d.runnerLoop)
	}

	d.refreshGauges()
	d.logger.Infof("event=daemon_ready concurrency=%d", d.cfg.Daemon.Concurrency)

	d.waitSignals()

	if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Errorf("event=background_loop_error err=%v", err)
	}
	return nil
}

// fsnotifyLoop wakes the runners whenever the queue file changes outside the
// daemon (direct CLI writes with no daemon, manual edits).
func (d *Daemon) fsnotifyLoop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.logger.Debugf("event=fsnotify op=%s file=%s", event.Op, event.Name)
				d.Wake()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Errorf("event=fsnotify_error err=%v", err)
		}
	}
}

// Wake nudges the runner loops without blocking.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// waitSignals blocks until a shutdown signal is received. A second signal
// forces immediate exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("event=signal sig=%s action=graceful_shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("event=signal_repeat action=force_exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		d.Shutdown()
	}
}

// Shutdown drains the daemon: stop accepting work, let in-flight steps
// checkpoint and requeue, then release everything. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("event=shutdown_started")
		d.bus.Publish(events.EventShutdown, map[string]any{"in_flight": int(d.running.Load())})

		d.cancel()
		d.monitor.StopAll()
		if d.server != nil {
			_ = d.server.Stop()
		}

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			_ = d.group.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("event=shutdown_drained")
		case <-time.After(timeout):
			d.logger.Warnf("event=shutdown_timeout after=%s", timeout)
		}

		d.cleanup()
		d.logger.Infof("event=daemon_stopped")
	})
}

// emergencyShutdown snapshots the whole queue before the daemon goes down on
// a Critical failure.
func (d *Daemon) emergencyShutdown(reason string, activeTaskIDs []string) {
	q, err := d.store.Snapshot(context.Background())
	if err != nil {
		d.logger.Errorf("event=emergency_snapshot_failed err=%v", err)
	} else if path, err := d.backups.EmergencyBackup(q, activeTaskIDs, reason); err != nil {
		d.logger.Errorf("event=emergency_backup_failed err=%v", err)
	} else {
		d.logger.Errorf("event=emergency_backup path=%s reason=%s", path, reason)
	}
	go d.Shutdown()
}

func (d *Daemon) cleanup() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	d.bus.Close()
	d.releaseLock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) releaseLock() {
	if d.lockHandle != nil {
		_ = d.lockHandle.Release()
		d.lockHandle = nil
	}
}

func (d *Daemon) refreshGauges() {
	q, err := d.store.Snapshot(context.Background())
	if err != nil {
		return
	}
	metrics.ObserveQueue(q)
}
