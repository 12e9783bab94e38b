// Package daemon hosts the TeleClaude background process: single-instance
// locking, the session supervisor, the unix-socket control surface, config
// reload, and the federation heartbeat.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/federation"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/relay"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

// stopNotifyDelay lets a daemon.stop response flush before teardown closes
// the connection under it.
const stopNotifyDelay = 200 * time.Millisecond

// Bridge is the full terminal surface the daemon wires its subsystems over.
type Bridge interface {
	Terminal
	ListPanes() ([]string, error)
}

// Daemon is the long-running host process. One per TeleClaude home.
type Daemon struct {
	home    string
	version string

	logger  *log.Logger
	logFile *os.File

	bridge     Bridge
	registry   *session.Registry
	avail      *availability.Table
	relays     *relay.Manager
	port       adapter.Port
	outputs    *adapter.Outputs
	supervisor *Supervisor
	presence   *federation.Registry
	rpc        *protocol.Server

	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	cfg      *config.Config
	exitCode int

	orchMu        sync.Mutex
	orchestrators map[string]struct{}
}

// New loads configuration and assembles the daemon. Invalid configuration
// is fatal here; the process never starts half-configured.
func New(home, version string) (*Daemon, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("creating home %s: %w", home, err)
	}
	logFile, err := os.OpenFile(constants.LogPath(home), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	d, err := assemble(home, version, cfg, tmux.New(), logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	d.logFile = logFile
	return d, nil
}

// assemble wires the daemon's subsystems. Split from New so tests can plug
// a fake bridge.
func assemble(home, version string, cfg *config.Config, bridge Bridge, logger *log.Logger) (*Daemon, error) {
	scanner, err := availability.NewScanner(cfg.RateLimitPatterns())
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(constants.SessionStorePath(home), cfg.Daemon.TombstoneRetention())
	avail := availability.NewTable(constants.AvailabilityPath(home))
	relays := relay.NewManager(bridge, logger)

	port := adapter.NewLimited(
		tunedPort{Port: adapter.NewLogChat(logger), maxLen: cfg.Adapter.MaxMessageLength, peerPoll: cfg.Adapter.PeerPollInterval()},
		sendInterval(cfg.Adapter.SendsPerSecond),
		cfg.Adapter.SendBurst,
	)
	outputs := adapter.NewOutputs(port, adapter.NewStore(constants.TranscriptsDir(home)))
	outputs.TailLimit = cfg.Adapter.TailMessageLimit

	supervisor := NewSupervisor(SupervisorConfig{
		Registry:     registry,
		Terminal:     bridge,
		Relays:       relays,
		Outputs:      outputs,
		Port:         port,
		Availability: avail,
		Scanner:      scanner,
		Logger:       logger,
		Panes:        paneOptions(cfg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		home:          home,
		version:       version,
		logger:        logger,
		bridge:        bridge,
		registry:      registry,
		avail:         avail,
		relays:        relays,
		port:          port,
		outputs:       outputs,
		supervisor:    supervisor,
		presence:      federation.NewRegistry(cfg.Federation.OfflineThreshold()),
		started:       time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		cfg:           cfg,
		orchestrators: make(map[string]struct{}),
	}
	d.rpc = protocol.NewServer(d.handlerRegistry(), logger)
	return d, nil
}

func paneOptions(cfg *config.Config) PaneOptions {
	return PaneOptions{
		PollInterval:  cfg.Daemon.PollInterval(),
		IdleThreshold: cfg.Daemon.IdleThreshold(),
		EventBuffer:   cfg.Daemon.EventBuffer,
	}
}

// sendInterval converts a sends-per-second rate into a limiter interval.
func sendInterval(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / perSecond)
}

// tunedPort overlays the configured advisory knobs onto the platform port.
type tunedPort struct {
	adapter.Port
	maxLen   int
	peerPoll time.Duration
}

func (p tunedPort) MaxMessageLength() int           { return p.maxLen }
func (p tunedPort) PeerPollInterval() time.Duration { return p.peerPoll }

// presenceSender publishes heartbeats through the adapter port and folds
// each one straight into the local presence table, the same way a peer's
// inbound copy would arrive.
type presenceSender struct {
	port     adapter.Port
	presence *federation.Registry
}

func (p *presenceSender) Send(session, text string) (string, error) {
	p.presence.ObserveLine(text)
	return p.port.Send(session, text)
}

// Run owns the process: it takes the single-instance lock, restores state,
// brings the RPC surface up, and blocks until a shutdown signal or stop
// request. Panes and session records survive Run returning.
func (d *Daemon) Run() error {
	d.logger.Printf("daemon starting (pid %d, version %s)", os.Getpid(), d.version)

	fileLock := flock.New(constants.LockPath(d.home))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := os.WriteFile(constants.PIDPath(d.home), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(constants.PIDPath(d.home)) }()

	if err := d.registry.Load(); err != nil {
		return fmt.Errorf("loading session store: %w", err)
	}
	if err := d.avail.Load(); err != nil {
		return fmt.Errorf("loading availability store: %w", err)
	}
	d.reconcile()

	if err := d.rpc.Listen(constants.SocketPath(d.home)); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.rpc.Serve(d.ctx) }()

	var hb sync.WaitGroup
	if fed := d.config().Federation; fed.Enabled {
		pub := federation.NewPublisher(
			&presenceSender{port: d.port, presence: d.presence},
			fed.Channel, fed.ComputerName, fed.BotHandle, fed.Heartbeat(), d.logger)
		hb.Add(1)
		go func() {
			defer hb.Done()
			pub.Run(d.ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	d.logger.Printf("daemon ready on %s", constants.SocketPath(d.home))

	for {
		select {
		case <-d.ctx.Done():
			err := <-serveErr
			d.shutdown(&hb)
			if err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		case err := <-serveErr:
			d.cancel()
			d.shutdown(&hb)
			if err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := d.reload(); err != nil {
					d.logger.Printf("reload failed, keeping previous config: %v", err)
				}
				continue
			}
			d.logger.Printf("received %v, shutting down", sig)
			d.cancel()
		}
	}
}

// shutdown stops the pollers and the heartbeat. Panes and session records
// stay; they reconcile on the next start.
func (d *Daemon) shutdown(hb *sync.WaitGroup) {
	d.supervisor.Shutdown()
	hb.Wait()
	if code := d.ExitCode(); code != 0 {
		d.logger.Printf("daemon stopped (restart requested, exit %d)", code)
	} else {
		d.logger.Printf("daemon stopped")
	}
}

// Close releases the daemon's log file. Call after Run returns.
func (d *Daemon) Close() error {
	if d.logFile != nil {
		return d.logFile.Close()
	}
	return nil
}

// reconcile tombstones sessions whose panes no longer exist.
func (d *Daemon) reconcile() {
	orphans, err := d.registry.Reconcile(d.bridge)
	if err != nil {
		d.logger.Printf("reconcile: %v", err)
		return
	}
	if orphans > 0 {
		d.logger.Printf("reconcile: tombstoned %d orphaned session(s)", orphans)
	}
}

// reload re-reads config.toml, swaps the parts that apply live, and
// reconciles the session table. A bad file keeps the old config.
func (d *Daemon) reload() error {
	cfg, err := config.Load(d.home)
	if err != nil {
		return err
	}
	scanner, err := availability.NewScanner(cfg.RateLimitPatterns())
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.supervisor.Reconfigure(paneOptions(cfg), scanner)
	d.reconcile()
	d.logger.Printf("config reloaded")
	return nil
}

// config returns the live configuration snapshot.
func (d *Daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// ExitCode is what the process should exit with after Run returns. Nonzero
// only when a deploy restart was requested.
func (d *Daemon) ExitCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

func (d *Daemon) setExitCode(code int) {
	d.mu.Lock()
	d.exitCode = code
	d.mu.Unlock()
}
