// Package supervisor implements the Supervisor (spec.md section 4.E):
// the process-level watchdog that spawns the mining worker as a child
// process running the same binary in "work" mode, restarts it per the
// exit-code/backoff/missed-tick/memory policy, and forwards
// SIGINT/SIGTERM as a graceful/hard shutdown handshake over the child's
// stdio. Mirrors the teacher's own preference for os/exec-level process
// isolation over goroutine supervision wherever a crash must not corrupt
// shared address space (the rollup's sequencer/challenger split follows
// the same shape, one process watching another over a narrow wire
// protocol).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/process"
	"golang.org/x/sync/errgroup"

	"github.com/Coinversable/validana-processor/internal/errsink"
	"github.com/Coinversable/validana-processor/internal/procmsg"
	"github.com/Coinversable/validana-processor/internal/xlog"
)

const (
	initialRestartDelay = 1 * time.Second
	maxRestartBackoff   = 5 * time.Minute
	missedTickLimit     = 4
	sigkillGrace        = 10 * time.Second
)

// IsStayDownExitCode reports whether code is one of the reserved
// stay-down exit codes (spec.md section 7, 50..59): the supervisor must
// not restart the worker on these.
func IsStayDownExitCode(code int) bool { return code >= 50 && code <= 59 }

// Config is the slice of process configuration the supervisor consults.
type Config struct {
	// WorkerArgs is appended after "work" when exec-ing the child, so
	// the worker resolves the same configuration the supervisor did
	// (spec.md 6: env vars or a trailing JSON config path).
	WorkerArgs []string

	BlockIntervalSeconds int
	MaxMemoryMB          int
}

// Supervisor owns the worker child process and its restart policy.
type Supervisor struct {
	binaryPath string
	cfg        Config
	log        *xlog.Logger
	sink       *errsink.Sink

	mu           sync.Mutex
	shuttingDown bool
}

// New builds a Supervisor that spawns binaryPath in "work" mode.
func New(binaryPath string, cfg Config, log *xlog.Logger, sink *errsink.Sink) *Supervisor {
	return &Supervisor{binaryPath: binaryPath, cfg: cfg, log: log, sink: sink}
}

// Run spawns and re-spawns the worker until it exits with a stay-down
// code, or the supervisor is asked to shut down via SIGINT/SIGTERM.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	spawnFailures := 0

	for {
		exitCode, spawnErr := s.runOnce(ctx, sigCh)
		if spawnErr != nil {
			spawnFailures++
			delay := backoffDelay(spawnFailures)
			s.log.Error("spawning worker failed", "err", spawnErr, "retry_in", delay.String())
			s.sink.Report(spawnErr, "component", "supervisor")
			if !s.sleep(ctx, delay) {
				return nil
			}
			continue
		}
		spawnFailures = 0

		if s.isShuttingDown() {
			s.log.Info("worker exited during shutdown, supervisor stopping", "exit_code", exitCode)
			return nil
		}
		if IsStayDownExitCode(exitCode) {
			s.log.Crit("worker returned a stay-down exit code, supervisor will not restart", "exit_code", exitCode)
			return fmt.Errorf("supervisor: worker exited with stay-down code %d", exitCode)
		}

		if exitCode == 0 {
			s.log.Info("worker exited cleanly, restarting", "delay", initialRestartDelay.String())
		} else {
			s.log.Error("worker exited with a non-zero code, restarting", "exit_code", exitCode, "delay", initialRestartDelay.String())
		}
		if !s.sleep(ctx, initialRestartDelay) {
			return nil
		}
	}
}

// runOnce spawns the worker once, drives its IPC/watchdog/memory policy
// until it exits (for any reason), and returns its exit code.
func (s *Supervisor) runOnce(ctx context.Context, sigCh <-chan os.Signal) (exitCode int, err error) {
	cmd := exec.Command(s.binaryPath, append([]string{"work"}, s.cfg.WorkerArgs...)...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: starting worker: %w", err)
	}
	s.log.Info("worker started", "pid", cmd.Process.Pid)

	reader := procmsg.NewReader(stdout)
	writer := procmsg.NewWriter(stdin)

	// The pipe-reader and the process-waiter run as an errgroup so a
	// panic in either surfaces through g.Wait() during cleanup rather
	// than vanishing in a detached goroutine.
	var g errgroup.Group

	reports := make(chan procmsg.Message, 8)
	g.Go(func() error {
		defer close(reports)
		for {
			msg, err := reader.Read()
			if err != nil {
				return nil
			}
			reports <- msg
		}
	})

	waitDone := make(chan error, 1)
	g.Go(func() error {
		waitDone <- cmd.Wait()
		return nil
	})
	defer g.Wait()

	watchdogInterval := time.Duration(s.cfg.BlockIntervalSeconds) * 2 * time.Second
	if watchdogInterval <= 0 {
		watchdogInterval = 120 * time.Second
	}
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	var missedTicks int
	var initInFlight bool
	var sawActivity bool

	for {
		select {
		case msg, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			sawActivity = true
			switch msg.Type {
			case procmsg.TypeInit:
				initInFlight = true
				missedTicks = 0
			case procmsg.TypeReport:
				initInFlight = false
				if s.memoryOverLimit(cmd, msg) {
					s.log.Warn("worker memory over limit, restarting", "reported_mb", msg.MemoryMB, "max_memory_mb", s.cfg.MaxMemoryMB)
					s.killWorker(cmd)
					return exitCodeFrom(cmd, <-waitDone), nil
				}
			}

		case <-ticker.C:
			if initInFlight {
				missedTicks = 0
			} else if sawActivity {
				missedTicks = 0
			} else {
				missedTicks++
			}
			sawActivity = false
			if missedTicks >= missedTickLimit && !initInFlight {
				s.log.Error("worker missed mining ticks, killing", "missed", missedTicks)
				s.killWorker(cmd)
			}

		case sig := <-sigCh:
			s.handleSignal(sig, cmd, writer)

		case werr := <-waitDone:
			return exitCodeFrom(cmd, werr), nil

		case <-ctx.Done():
			s.beginShutdown()
			s.killWorker(cmd)
			return exitCodeFrom(cmd, <-waitDone), nil
		}
	}
}

func (s *Supervisor) memoryOverLimit(cmd *exec.Cmd, msg procmsg.Message) bool {
	if s.cfg.MaxMemoryMB <= 0 {
		return false
	}
	if msg.MemoryMB > s.cfg.MaxMemoryMB {
		return true
	}
	if cmd.Process == nil {
		return false
	}
	rss, err := childRSSMB(cmd.Process.Pid)
	return err == nil && rss > s.cfg.MaxMemoryMB
}

func (s *Supervisor) handleSignal(sig os.Signal, cmd *exec.Cmd, writer *procmsg.Writer) {
	switch sig {
	case syscall.SIGINT:
		s.beginShutdown()
		s.log.Info("SIGINT received, requesting graceful worker shutdown")
		_ = writer.Write(procmsg.Shutdown())
	case syscall.SIGTERM:
		s.beginShutdown()
		s.log.Info("SIGTERM received, requesting worker shutdown with a kill timer armed")
		_ = writer.Write(procmsg.Shutdown())
		go s.armSigkill(cmd)
	}
}

func (s *Supervisor) killWorker(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func (s *Supervisor) armSigkill(cmd *exec.Cmd) {
	time.Sleep(sigkillGrace)
	if cmd.ProcessState != nil || cmd.Process == nil {
		return
	}
	s.log.Warn("worker did not exit within the shutdown grace period, sending SIGKILL")
	_ = cmd.Process.Kill()
}

func childRSSMB(pid int) (int, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int(mem.RSS / (1024 * 1024)), nil
}

// exitCodeFrom resolves a process's exit code from cmd.Wait()'s return,
// preferring the already-populated ProcessState when present.
func exitCodeFrom(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}

// backoffDelay doubles the restart delay on each consecutive spawn
// failure, capped at maxRestartBackoff (spec.md 4.E: "restart after 1 s
// with exponential backoff capped at 5 min when spawn itself fails").
func backoffDelay(attempt int) time.Duration {
	d := initialRestartDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	return d
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) beginShutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}
