// Package daemon wires the guardiansms process together: spool listener,
// guardian, classifier, alert sinks, UI bridge and boot/restart arming.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ppiankov/guardiansms/internal/api"
	"github.com/ppiankov/guardiansms/internal/arming"
	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/classify"
	"github.com/ppiankov/guardiansms/internal/config"
	"github.com/ppiankov/guardiansms/internal/guardian"
	"github.com/ppiankov/guardiansms/internal/intercept"
	"github.com/ppiankov/guardiansms/internal/ledger"
	"github.com/ppiankov/guardiansms/internal/notify"
	"github.com/ppiankov/guardiansms/internal/permission"
	"github.com/ppiankov/guardiansms/internal/systemd"
)

// pruneInterval is how often the ledger sweeper drops old message ids.
const pruneInterval = time.Hour

// Config holds full daemon configuration.
type Config struct {
	Settings  *config.Config
	Version   string
	BootEvent arming.Event // overrides boot detection when set
	Log       io.Writer
}

// Daemon is one guardiansms process.
type Daemon struct {
	cfg  *config.Config
	opts Config
	log  io.Writer

	bridge     *bridge.Bridge
	server     *bridge.Server
	tray       *notify.Tray
	notifier   *notify.Notifier
	platform   *permission.FilePlatform
	gatekeeper *permission.Gatekeeper
	guardian   *guardian.Guardian
	ledger     *ledger.Ledger
	classifier classify.Classifier
	processor  *intercept.Processor
	closers    []io.Closer

	mu   sync.Mutex
	addr string
}

// New validates the configuration and builds every component.
func New(opts Config) (*Daemon, error) {
	cfg := opts.Settings
	if cfg == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.BootEvent != "" && !opts.BootEvent.Valid() {
		return nil, fmt.Errorf("unknown boot event %q", opts.BootEvent)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Log == nil {
		opts.Log = os.Stderr
	}

	d := &Daemon{cfg: cfg, opts: opts, log: opts.Log}
	if err := d.build(); err != nil {
		d.Close() //nolint:errcheck // best-effort cleanup on error
		return nil, err
	}
	return d, nil
}

func (d *Daemon) logf(format string, args ...any) {
	fmt.Fprintf(d.log, "daemon: "+format+"\n", args...)
}

func (d *Daemon) build() error {
	cfg := d.cfg

	d.bridge = bridge.New()
	d.bridge.SetLogOutput(d.log)
	d.server = bridge.NewServer(d.bridge)
	d.server.SetLogOutput(d.log)
	d.server.AllowOrigins(cfg.AllowedOrigins...)

	d.tray = notify.NewTray()
	sinks := notify.Multi{d.tray}
	for _, wc := range cfg.Webhooks {
		sinks = append(sinks, notify.NewWebhook(wc))
	}
	d.notifier = notify.NewNotifier(sinks, cfg.APILevel)

	d.platform = permission.NewFilePlatform(cfg.Permissions.File, cfg.APILevel, cfg.Permissions.AutoGrant)
	d.gatekeeper = permission.NewGatekeeper(d.platform, func(set permission.PermissionSet) {
		d.bridge.Emit(api.EventPermissionResult, set)
	})
	d.gatekeeper.SetLogOutput(d.log)

	protection, err := guardian.NewProtectionState(cfg.ProtectionPath())
	if err != nil {
		return err
	}

	d.ledger, err = ledger.Open(context.Background(), cfg.Ledger.Path)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, d.ledger)

	var verdicts *classify.Bridge
	d.classifier, verdicts, err = d.newClassifier()
	if err != nil {
		return err
	}

	d.guardian, err = guardian.New(guardian.Config{
		Classifier:         d.classifier,
		Alerter:            d.notifier,
		Protection:         protection,
		Ledger:             d.ledger,
		Emit:               d.bridge.Emit,
		Workers:            cfg.Guardian.Workers,
		QueueSize:          cfg.Guardian.QueueSize,
		StatusRefresh:      cfg.Guardian.StatusRefresh,
		ClassifyTimeout:    cfg.Classifier.Timeout,
		RestartDelay:       cfg.Guardian.RestartDelay,
		StallAfter:         cfg.Guardian.StallAfter,
		RequirePriorActive: cfg.Arming.RequirePriorActive,
		Log:                d.log,
	})
	if err != nil {
		return err
	}

	svc := &api.Service{
		Guardian:    d.guardian,
		Permissions: d.gatekeeper,
		Alerter:     d.notifier,
		Tray:        d.tray,
	}
	if verdicts != nil {
		svc.Verdicts = verdicts
	}
	svc.Register(d.bridge)

	listener := intercept.NewListener(d.guardian)
	listener.SetLogOutput(d.log)
	d.processor = intercept.NewProcessor(d.dirs(), listener)
	d.processor.SetLogOutput(d.log)
	return nil
}

// newClassifier builds the configured classifier. The second result is set
// when the UI answers classification requests over the bridge.
func (d *Daemon) newClassifier() (classify.Classifier, *classify.Bridge, error) {
	c := d.cfg.Classifier
	switch c.Kind {
	case config.ClassifierGRPC:
		g, err := classify.DialGRPC(c.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, g)
		return g, nil, nil
	case config.ClassifierLLM:
		return classify.NewLLM(classify.LLMConfig{
			APIURL:    c.APIURL,
			APIKey:    c.APIKey,
			Model:     c.Model,
			MaxTokens: c.MaxTokens,
		}), nil, nil
	case config.ClassifierBridge:
		b := classify.NewBridge(func() bool { return d.bridge.Subscribers() > 0 })
		return b, b, nil
	default:
		return classify.NewLinkGuard(c.Allowlist), nil, nil
	}
}

func (d *Daemon) dirs() intercept.Dirs {
	return intercept.Dirs{Inbox: d.cfg.Dirs.Inbox, State: d.cfg.Dirs.State}
}

// Guardian returns the guardian.
func (d *Daemon) Guardian() *guardian.Guardian { return d.guardian }

// Bridge returns the in-process method bridge.
func (d *Daemon) Bridge() *bridge.Bridge { return d.bridge }

// Tray returns the local notification area.
func (d *Daemon) Tray() *notify.Tray { return d.tray }

// Addr returns the bridge listen address once Run is serving, or "".
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Close releases the ledger and classifier connections.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Run starts the daemon. Blocks until ctx is cancelled.
// On startup, arms or recovers protection, then processes interrupted and
// already spooled events before watching the inbox.
func (d *Daemon) Run(ctx context.Context) error {
	dirs := d.dirs()
	if err := intercept.EnsureDirs(dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	if err := intercept.ValidateSameFilesystem(dirs); err != nil {
		d.logf("warning: %v", err)
	}

	// Acquire PID file lock to prevent duplicate instances.
	pidPath := filepath.Join(dirs.State, "daemon.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
		d.logf("warning: %s", msg)
	}

	var lis net.Listener
	if d.cfg.Listen != "" {
		var err error
		lis, err = net.Listen("tcp", d.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.cfg.Listen, err)
		}
		d.mu.Lock()
		d.addr = lis.Addr().String()
		d.mu.Unlock()
		d.logf("bridge listening on %s", d.addr)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("guardian", d.guardian.Run)
	spawn("bridge", d.bridge.Run)
	if lis != nil {
		spawn("server", func(ctx context.Context) error { return d.server.Serve(ctx, lis) })
	}
	go d.runLedgerSweeper(ctx)

	d.arm(ctx)

	if n, err := d.processor.RecoverOrphans(ctx); err != nil {
		d.logf("recover orphans: %v", err)
	} else if n > 0 {
		d.logf("recovered %d interrupted events", n)
	}
	if err := intercept.ScanExisting(dirs.Inbox, d.handleEvent(ctx)); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("scan existing: %w", err)
	}

	if d.cfg.Watch.PollMode {
		pw := intercept.NewPollWatcher(dirs.Inbox, d.handleEvent(ctx), d.cfg.Watch.PollInterval)
		pw.SetLogOutput(d.log)
		spawn("watcher", pw.Run)
	} else {
		w := intercept.NewInboxWatcher(dirs.Inbox, d.handleEvent(ctx))
		w.SetLogOutput(d.log)
		spawn("watcher", w.Run)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	cancel()
	wg.Wait()
	return runErr
}

// arm starts protection after a boot or upgrade, or resumes it after a
// plain restart when the durable flag says it was on.
func (d *Daemon) arm(ctx context.Context) {
	ev := d.opts.BootEvent
	if ev == "" {
		var err error
		ev, err = arming.Detect(d.cfg.Dirs.State, d.cfg.Arming.BootIDPath, d.opts.Version)
		if err != nil {
			d.logf("arming detect: %v", err)
		}
	}
	if ev != "" {
		arming.Arm(ctx, d.guardian, ev, d.log)
		return
	}
	d.guardian.Recover(ctx)
}

// handleEvent returns the spool handler. Without RECEIVE_SMS the host would
// not deliver the message, so the event is discarded unread.
func (d *Daemon) handleEvent(ctx context.Context) func(path string) {
	return func(path string) {
		if !d.platform.Granted(permission.ReceiveSMS) {
			d.logf("%s not granted, discarding %s", permission.ReceiveSMS, filepath.Base(path))
			_ = os.Remove(path)
			return
		}
		if err := d.processor.Process(ctx, path); err != nil {
			d.logf("process %s: %v", filepath.Base(path), err)
		}
	}
}

// runLedgerSweeper periodically drops ledger rows older than the retention.
func (d *Daemon) runLedgerSweeper(ctx context.Context) {
	if d.cfg.Ledger.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.ledger.Prune(ctx, d.cfg.Ledger.Retention)
			if err != nil {
				d.logf("ledger prune: %v", err)
			} else if n > 0 {
				d.logf("pruned %d ledger entries", n)
			}
		}
	}
}

// acquirePIDLock writes the current PID to the file and checks for stale locks.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another daemon is running (PID %d)", pid)
				}
			}
		}
		// Stale PID file.
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
