// Package daemon wires a loaded plan to the scheduler and its supporting
// services, and owns process-level concerns: the scheduler lock, signals,
// service manager notifications and orderly teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/exprun/internal/events"
	"github.com/msageha/exprun/internal/history"
	"github.com/msageha/exprun/internal/launcher"
	"github.com/msageha/exprun/internal/lock"
	"github.com/msageha/exprun/internal/logging"
	"github.com/msageha/exprun/internal/notify"
	"github.com/msageha/exprun/internal/observer"
	"github.com/msageha/exprun/internal/plan"
	"github.com/msageha/exprun/internal/scheduler"
	"github.com/msageha/exprun/internal/state"
)

// ErrAlreadyRunning is returned when another scheduler holds the state directory.
var ErrAlreadyRunning = errors.New("scheduler already running")

type Options struct {
	// Serve starts the observer HTTP API next to the scheduler.
	Serve bool
	// Signals installs SIGINT/SIGTERM handlers for the lifetime of Run.
	Signals bool
	// LogLevel overrides logging.level when non-empty.
	LogLevel string
	// Console receives human-readable logs; defaults to os.Stderr.
	Console io.Writer
	// Output receives the final summary; defaults to os.Stdout.
	Output io.Writer
	// Starter replaces the process starter, for tests.
	Starter launcher.StarterFunc
	// Notifier overrides the desktop notifier used when notify.desktop is set.
	Notifier notify.Sender
	// Listener, when set, is served instead of binding observer.addr.
	Listener net.Listener
}

// Daemon runs one plan to completion.
type Daemon struct {
	plan *plan.Plan
	opts Options

	logs    *logging.Logger
	logger  zerolog.Logger
	store   *state.Store
	lock    *lock.FileLock
	bus     *events.Bus
	journal *events.Journal
	history *history.Store
	bridge  *events.NATSBridge
	watcher *scheduler.CommandWatcher
	alerts  notify.Sender

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
	closers  []func() error
}

func New(p *plan.Plan, opts Options) *Daemon {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{plan: p, opts: opts, logger: zerolog.Nop(), ctx: ctx, cancel: cancel}
}

// Run blocks until every task has finished and the idle grace period has
// passed, or until ctx is cancelled or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) (scheduler.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()
	defer d.cleanup()

	if err := d.setup(); err != nil {
		return scheduler.Report{}, err
	}
	if d.opts.Signals {
		stopSignals := d.watchSignals()
		defer stopSignals()
	}

	cfg := d.plan.Config
	l := launcher.New(d.plan.ConfigDir, d.plan.BaseDir, d.logger)
	if d.opts.Starter != nil {
		l.SetStarter(d.opts.Starter)
	}
	schedOpts := []scheduler.Option{
		scheduler.WithBus(d.bus),
		scheduler.WithLogger(d.logger),
		scheduler.WithOutput(d.opts.Output),
	}
	if d.watcher != nil {
		schedOpts = append(schedOpts, scheduler.WithWaiter(d.watcher))
	}
	sched := scheduler.New(cfg.Scheduler, d.store, l, schedOpts...)
	instances := plan.Expand(plan.SortByPriority(d.plan.Definitions), sched.IDs(), time.Now())

	var srv *observer.Server
	if d.opts.Serve {
		session := observer.NewSession(d.store, d.logger.With().Str("component", "observer").Logger())
		if d.history != nil {
			session.SetHistory(d.history)
		}
		srv = observer.NewServer(session, cfg.Observer, d.logger)
	}

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServe()
	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		ln := d.opts.Listener
		if ln == nil {
			var lc net.ListenConfig
			var err error
			ln, err = lc.Listen(ctx, "tcp", cfg.Observer.Addr)
			if err != nil {
				return scheduler.Report{}, fmt.Errorf("observer listen %s: %w", cfg.Observer.Addr, err)
			}
		}
		g.Go(func() error {
			if err := srv.Serve(serveCtx, ln); err != nil {
				d.logger.Error().Err(err).Msg("observer_failed")
				return fmt.Errorf("observer: %w", err)
			}
			return nil
		})
	}

	sdNotify(d.logger, sddaemon.SdNotifyReady)
	d.logger.Info().
		Str("config", d.plan.Path).
		Str("state_dir", d.store.Dir()).
		Int("instances", len(instances)).
		Int("pid", os.Getpid()).
		Msg("scheduler_ready")

	var report scheduler.Report
	g.Go(func() error {
		defer stopServe()
		var err error
		report, err = sched.Run(gctx, instances)
		return err
	})
	err := g.Wait()
	if d.ctx.Err() != nil {
		d.logger.Info().Msg("shutdown_completed")
	}
	sdNotify(d.logger, sddaemon.SdNotifyStopping)
	if d.alerts != nil && err == nil {
		msg := fmt.Sprintf("%d succeeded, %d succeeded after retry, %d failed",
			report.Succeeded, report.SucceededAfterRetry, report.Failed)
		if nerr := d.alerts.Send("exprun: schedule complete", msg); nerr != nil {
			d.logger.Debug().Err(nerr).Msg("desktop_notify_failed")
		}
	}
	return report, err
}

// setup acquires the scheduler lock and opens every configured sink.
func (d *Daemon) setup() error {
	cfg := d.plan.Config
	store, err := state.Open(d.plan.StateDir(), zerolog.Nop())
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	fl := store.SchedulerLock()
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, lock.HolderPID(fl.Path()), fl.Path())
		}
		return err
	}
	d.lock = fl

	level := cfg.Logging.Level
	if d.opts.LogLevel != "" {
		level = d.opts.LogLevel
	}
	logs, err := logging.New(logging.Options{
		Level:    level,
		FilePath: logging.FilePath(store.Dir(), cfg.Logging),
		Console:  d.opts.Console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	d.logs = logs
	d.logger = logs.With().Str("component", "scheduler").Logger()
	d.store, err = state.Open(store.Dir(), d.logger)
	if err != nil {
		return err
	}

	d.bus = events.NewBus(cfg.Events.BufferSize, d.logger)

	if cfg.Events.JournalEnabled() {
		path := filepath.Join(store.Dir(), state.LogsDirName, events.JournalFileName)
		j, err := events.OpenJournal(path, cfg.Events.JournalMaxBytes)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		d.journal = j
		d.closers = append(d.closers, j.Close)
		d.bus.SubscribeAll(j.Subscriber(func(err error) {
			d.logger.Warn().Err(err).Msg("journal_write_failed")
		}))
	}

	if cfg.History.IsEnabled() {
		path := store.HistoryPath()
		if cfg.History.Path != "" {
			path = plan.ResolvePath(d.plan.ConfigDir, cfg.History.Path)
		}
		h, err := history.Open(path, d.logger)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		d.history = h
		d.closers = append(d.closers, h.Close)
		d.bus.Subscribe(h.Subscriber(), events.EventTaskSucceeded, events.EventTaskFailed, events.EventTaskTerminated)
	}

	// NATS is best effort: an unreachable server must not block scheduling.
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, d.logger)
		if err != nil {
			d.logger.Warn().Str("url", cfg.Events.NATSURL).Err(err).Msg("nats_unavailable")
		} else {
			d.bridge = events.NewNATSBridge(nc, cfg.Events.SubjectPrefix, d.logger)
			d.bridge.Attach(d.bus)
			d.closers = append(d.closers, d.bridge.Close)
		}
	}

	if cfg.Notify.Desktop {
		d.alerts = d.opts.Notifier
		if d.alerts == nil {
			d.alerts = notify.NewDesktop()
		}
		d.bus.Subscribe(notify.Subscriber(d.alerts, d.logger), events.EventTaskFailed, events.EventTaskTerminated)
	}

	if cfg.Scheduler.Watch() {
		w, err := scheduler.NewCommandWatcher(d.store.CommandsPath(), d.logger)
		if err != nil {
			d.logger.Warn().Err(err).Msg("command_watch_unavailable")
		} else {
			d.watcher = w
			d.closers = append(d.closers, w.Close)
		}
	}
	return nil
}

// watchSignals cancels the run on the first signal and exits the process on
// the second.
func (d *Daemon) watchSignals() func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info().Str("signal", sig.String()).Msg("shutdown_signal_received")
			d.Shutdown()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			d.logger.Warn().Msg("second_signal_forcing_exit")
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// Shutdown stops the scheduler loop; running tasks are terminated before Run
// returns. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(d.cancel)
}

// cleanup drains the bus before closing its sinks and releases the lock last.
func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn().Err(err).Msg("close_failed")
		}
	}
	d.closers = nil
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn().Err(err).Msg("lock_release_failed")
		}
	}
	if d.logs != nil {
		d.logger.Info().Msg("scheduler_stopped")
		d.logs.Close()
	}
}

// sdNotify reports state to systemd when running under a Type=notify unit.
func sdNotify(logger zerolog.Logger, state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		logger.Debug().Err(err).Msg("sd_notify_failed")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("sd_notify_sent")
	}
}
