// Package supervisor implements the pre-fork process model: a master
// process binds the listening socket once, passes it to forked worker
// processes over inherited file descriptors, and replaces workers that
// exit. Workers report liveness over a heartbeat pipe; a worker that goes
// silent is killed and respawned.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/minivec/minivec/internal/config"
)

const (
	// workerEnv marks a process as a forked worker.
	workerEnv = "MINIVEC_WORKER"

	// ExtraFiles land after stdin/stdout/stderr, so the first two entries
	// become fd 3 and fd 4 in the child.
	listenerFD  = 3
	heartbeatFD = 4

	// beatInterval is how often a serving worker writes a heartbeat byte.
	beatInterval = 5 * time.Second

	// watchdogInterval is how often the master scans for silent workers.
	watchdogInterval = 15 * time.Second

	// staleGrace pads the request timeout before a silent worker is killed.
	staleGrace = 30 * time.Second

	// bootFailureLimit is how many consecutive workers may exit before
	// reaching readiness before the master gives up. Repeated pre-ready
	// exits point at a model that cannot load, not a transient crash.
	bootFailureLimit = 3

	// killGrace is how long past the workers' own drain window the master
	// waits before escalating to SIGKILL.
	killGrace = 5 * time.Second
)

// workerSlot tracks one worker position in the pool. The slot survives
// restarts; pid and proc describe the current incarnation. ready and
// lastBeat are written by the heartbeat reader goroutine, everything else
// only by the supervisor loop.
type workerSlot struct {
	id   int
	pid  int
	proc *os.Process

	ready    atomic.Bool
	lastBeat atomic.Int64
}

type exitEvent struct {
	slot     *workerSlot
	pid      int
	err      error
	wasReady bool
}

// Supervisor is the master side of the process model.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	binary string
	args   []string
	lnFile *os.File

	slots []*workerSlot
	exits chan exitEvent
	guard bootGuard
}

// New creates a Supervisor that will re-exec the current binary with the
// current arguments for each worker.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		binary: bin,
		args:   os.Args[1:],
		exits:  make(chan exitEvent, cfg.Workers.Count),
	}, nil
}

// Run binds the listening socket, starts the worker pool, and supervises it
// until ctx is canceled. A worker exit is answered with an immediate
// respawn; too many exits before readiness stop the supervisor instead,
// since a model that cannot load will not load on the next attempt either.
func (s *Supervisor) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	// File dups the descriptor; the dup is what every worker inherits.
	lnFile, err := ln.(*net.TCPListener).File()
	if err != nil {
		return fmt.Errorf("export listener: %w", err)
	}
	defer lnFile.Close()
	s.lnFile = lnFile

	s.logger.Info("supervisor listening",
		"addr", ln.Addr().String(),
		"pid", os.Getpid(),
		"workers", s.cfg.Workers.Count,
		"threads", s.cfg.Workers.Threads,
	)

	for i := 0; i < s.cfg.Workers.Count; i++ {
		slot := &workerSlot{id: i}
		s.slots = append(s.slots, slot)
		if err := s.spawn(slot); err != nil {
			s.terminateAll()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
	}

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()

		case ev := <-s.exits:
			s.logWorkerExit(ev)
			if s.guard.observe(ev.wasReady) {
				s.terminateAll()
				return fmt.Errorf("%d consecutive workers exited before becoming ready, giving up", bootFailureLimit)
			}
			if err := s.spawn(ev.slot); err != nil {
				s.terminateAll()
				return fmt.Errorf("respawn worker %d: %w", ev.slot.id, err)
			}

		case <-watchdog.C:
			s.checkStale()
		}
	}
}

// spawn forks one worker into slot and starts its monitor. The worker
// inherits the listener as fd 3 and the write end of a fresh heartbeat pipe
// as fd 4; the master keeps only the read end, so pipe EOF doubles as an
// exit signal.
func (s *Supervisor) spawn(slot *workerSlot) error {
	hbRead, hbWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("heartbeat pipe: %w", err)
	}

	cmd := s.workerCommand(hbWrite)
	if err := cmd.Start(); err != nil {
		hbRead.Close()
		hbWrite.Close()
		return fmt.Errorf("exec %s: %w", s.binary, err)
	}
	hbWrite.Close()

	slot.pid = cmd.Process.Pid
	slot.proc = cmd.Process
	slot.ready.Store(false)
	slot.lastBeat.Store(time.Now().UnixNano())

	s.logger.Info("worker started", "slot", slot.id, "pid", slot.pid)

	go s.monitor(slot, cmd, hbRead)
	return nil
}

// workerCommand builds the exec.Cmd for one worker without starting it.
func (s *Supervisor) workerCommand(hbWrite *os.File) *exec.Cmd {
	cmd := exec.Command(s.binary, s.args...)
	cmd.Env = append(os.Environ(), workerEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{s.lnFile, hbWrite}
	return cmd
}

// monitor reaps one worker incarnation. The exit event is sent only after
// the heartbeat reader has finished, so a respawned worker never races its
// predecessor's reader for the slot's readiness state.
func (s *Supervisor) monitor(slot *workerSlot, cmd *exec.Cmd, hb *os.File) {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readBeats(slot, hb)
	}()

	err := cmd.Wait()
	<-readerDone

	s.exits <- exitEvent{
		slot:     slot,
		pid:      cmd.Process.Pid,
		err:      err,
		wasReady: slot.ready.Load(),
	}
}

// readBeats consumes heartbeat bytes until the pipe closes. The first byte
// marks the worker ready; every byte refreshes its liveness stamp.
func (s *Supervisor) readBeats(slot *workerSlot, hb *os.File) {
	defer hb.Close()
	buf := make([]byte, 1)
	for {
		if _, err := hb.Read(buf); err != nil {
			return
		}
		slot.lastBeat.Store(time.Now().UnixNano())
		if slot.ready.CompareAndSwap(false, true) {
			s.logger.Info("worker ready", "slot", slot.id, "pid", slot.pid)
		}
	}
}

func (s *Supervisor) logWorkerExit(ev exitEvent) {
	if ev.err == nil {
		s.logger.Info("worker exited", "slot", ev.slot.id, "pid", ev.pid)
		return
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(ev.err, &exitErr) {
		code = exitErr.ExitCode()
	}
	s.logger.Error("worker crashed",
		"slot", ev.slot.id,
		"pid", ev.pid,
		"exit_code", code,
		"was_ready", ev.wasReady,
		"error", ev.err,
	)
}

// staleCutoff is the longest a worker may go without a heartbeat. It spans
// a full request timeout because a worker whose every thread is busy with
// slow inference still beats, while one that stopped beating for this long
// is wedged, not busy.
func (s *Supervisor) staleCutoff() time.Duration {
	return s.cfg.Workers.RequestTimeout + staleGrace
}

// checkStale kills workers whose heartbeat went silent past the cutoff.
// The kill surfaces as a normal exit event, so the slot respawns through
// the usual path. Workers that never beat are covered too: lastBeat starts
// at spawn time, so a hung model load hits the same cutoff.
func (s *Supervisor) checkStale() {
	cutoff := s.staleCutoff()
	now := time.Now()
	for _, slot := range s.slots {
		if slot.proc == nil {
			continue
		}
		silent := now.Sub(time.Unix(0, slot.lastBeat.Load()))
		if silent > cutoff {
			s.logger.Error("worker heartbeat stale, killing",
				"slot", slot.id,
				"pid", slot.pid,
				"silent_for", silent.Round(time.Second).String(),
			)
			_ = slot.proc.Kill()
		}
	}
}

// shutdown stops the pool: SIGTERM lets each worker drain in-flight
// requests, then anything still alive past the drain window is killed.
func (s *Supervisor) shutdown() error {
	s.logger.Info("stopping workers", "count", len(s.slots))
	s.terminateAll()

	timer := time.NewTimer(s.cfg.Server.ShutdownTimeout + killGrace)
	defer timer.Stop()

	remaining := len(s.slots)
	for remaining > 0 {
		select {
		case ev := <-s.exits:
			s.logger.Info("worker stopped", "slot", ev.slot.id, "pid", ev.pid)
			remaining--
		case <-timer.C:
			s.logger.Warn("workers still running past drain window, killing")
			for _, slot := range s.slots {
				if slot.proc != nil {
					_ = slot.proc.Kill()
				}
			}
		}
	}
	s.logger.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) terminateAll() {
	for _, slot := range s.slots {
		if slot.proc != nil {
			_ = slot.proc.Signal(syscall.SIGTERM)
		}
	}
}

// bootGuard counts consecutive worker exits that never reached readiness.
type bootGuard struct {
	failures int
}

// observe records one worker exit and reports whether the supervisor
// should give up. An exit after readiness resets the streak.
func (g *bootGuard) observe(wasReady bool) bool {
	if wasReady {
		g.failures = 0
		return false
	}
	g.failures++
	return g.failures >= bootFailureLimit
}
