// Package supervisor starts and watches the embedding worker process.
//
// The worker's launch command differs between machines (python3, python, py -3, ...),
// so Start tries an ordered list of candidates and keeps the first one that
// becomes ready. Requests are only sent once the worker is Ready.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ragnotes/internal/domain"
)

// State is the lifecycle state of the worker.
type State int

const (
	Stopped State = iota
	Starting
	Ready
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HealthCheck decides readiness from the decoded JSON body of the health endpoint.
type HealthCheck func(body map[string]any) bool

// StatusOK accepts {"status": "ok"}.
func StatusOK(body map[string]any) bool {
	s, _ := body["status"].(string)
	return s == "ok"
}

// Config describes how to launch the worker and how to tell it is ready.
// Readiness uses ReadyPattern against stdout when set, otherwise polls HealthPath.
type Config struct {
	Dir      string
	Script   string
	Args     []string
	Env      []string
	Host     string
	Port     int
	Commands []string

	StartupTimeout time.Duration
	ReadyPattern   *regexp.Regexp
	HealthPath     string
	HealthCheck    HealthCheck
	PollInterval   time.Duration
	FatalMarkers   []string
	RequestTimeout time.Duration
}

const (
	defaultStartupTimeout = 60 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	killWait              = 5 * time.Second
	waitDelay             = 2 * time.Second
	maxErrorBody          = 4 << 10
)

// Supervisor owns the worker process and its state machine.
type Supervisor struct {
	cfg     Config
	log     *zap.Logger
	client  *http.Client
	baseURL string
	group   singleflight.Group

	mu        sync.Mutex
	state     State
	gen       uint64
	cmd       *exec.Cmd
	done      chan struct{}
	listeners map[int]func(State)
	nextID    int
}

// New creates a stopped supervisor.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.HealthCheck == nil {
		cfg.HealthCheck = StatusOK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:       cfg,
		log:       logger.Named("supervisor"),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		listeners: make(map[int]func(State)),
	}
}

// BaseURL is the worker's HTTP root.
func (s *Supervisor) BaseURL() string { return s.baseURL }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to be called after every state change.
func (s *Supervisor) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) notify(st State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// transitionLocked moves to next and reports whether the state changed.
func (s *Supervisor) transitionLocked(next State) bool {
	if s.state == next {
		return false
	}
	s.log.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
	return true
}

// Start launches the worker and blocks until it is ready or every candidate failed.
// Overlapping calls share one attempt and its result. A ready worker is left alone.
func (s *Supervisor) Start() error {
	if s.State() == Ready {
		return nil
	}
	_, err, shared := s.group.Do("start", func() (any, error) {
		return nil, s.start()
	})
	if shared {
		s.log.Debug("joined in-flight start")
	}
	return err
}

func (s *Supervisor) start() error {
	s.mu.Lock()
	if s.state == Ready {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	changed := s.transitionLocked(Starting)
	s.mu.Unlock()
	if changed {
		s.notify(Starting)
	}

	if len(s.cfg.Commands) == 0 {
		s.fail(gen)
		return fmt.Errorf("%w: no worker commands configured", domain.ErrConfiguration)
	}

	var errs error
	for _, command := range s.cfg.Commands {
		if s.stale(gen) {
			return domain.ErrStopped
		}
		err := s.attempt(gen, command)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrStopped) || s.stale(gen) {
			return domain.ErrStopped
		}
		s.log.Warn("worker candidate failed", zap.String("command", command), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", command, err))
	}
	s.fail(gen)
	return fmt.Errorf("%w (%d tried): %w", domain.ErrAllCommandsFailed, len(s.cfg.Commands), errs)
}

func (s *Supervisor) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Supervisor) fail(gen uint64) {
	s.mu.Lock()
	changed := s.gen == gen && s.transitionLocked(Stopped)
	s.mu.Unlock()
	if changed {
		s.notify(Stopped)
	}
}

func (s *Supervisor) argv(command string) []string {
	argv := strings.Fields(command)
	if s.cfg.Script != "" {
		argv = append(argv, s.cfg.Script)
	}
	return append(argv, s.cfg.Args...)
}

// attempt runs one candidate until it is ready, fails, exits, or times out.
func (s *Supervisor) attempt(gen uint64, command string) error {
	argv := s.argv(command)
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", s.cfg.Port))
	cmd.Env = append(cmd.Env, s.cfg.Env...)

	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return fmt.Errorf("spawn: %w", err)
	}
	s.log.Info("worker spawned", zap.String("command", command), zap.Int("pid", cmd.Process.Pid))

	ready := make(chan struct{})
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }
	fatal := make(chan string, 1)
	exited := make(chan error, 1)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		s.scan(stdout, "stdout", func(line string) {
			if s.cfg.ReadyPattern != nil && s.cfg.ReadyPattern.MatchString(line) {
				markReady()
			}
		})
	}()
	go func() {
		defer pipes.Done()
		s.scan(stderr, "stderr", func(line string) {
			if s.isFatal(line) {
				select {
				case fatal <- line:
				default:
				}
			}
		})
	}()
	go func() {
		err := cmd.Wait()
		// the leader is gone; take down whatever it forked
		if kerr := killProcessGroup(cmd); kerr != nil {
			s.log.Warn("kill worker group", zap.Error(kerr))
		}
		_ = stdoutW.Close()
		_ = stderrW.Close()
		pipes.Wait()
		exited <- err
	}()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.abandon(cmd, exited)
		return domain.ErrStopped
	}
	s.cmd = cmd
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()
	if s.cfg.ReadyPattern == nil {
		go s.pollHealth(ctx, markReady)
	}

	select {
	case <-ready:
		return s.promote(gen, cmd, exited)
	case line := <-fatal:
		s.abandon(cmd, exited)
		return fmt.Errorf("fatal worker output: %s", line)
	case err := <-exited:
		s.release(cmd)
		if err == nil {
			err = errors.New("exit status 0")
		}
		return fmt.Errorf("exited before ready: %w", err)
	case <-ctx.Done():
		s.abandon(cmd, exited)
		return fmt.Errorf("not ready after %s", s.cfg.StartupTimeout)
	}
}

// promote makes a ready attempt the running worker.
func (s *Supervisor) promote(gen uint64, cmd *exec.Cmd, exited <-chan error) error {
	done := make(chan struct{})
	s.mu.Lock()
	if s.gen != gen || s.cmd != cmd {
		s.mu.Unlock()
		s.abandon(cmd, exited)
		return domain.ErrStopped
	}
	s.done = done
	changed := s.transitionLocked(Ready)
	s.mu.Unlock()

	go s.monitor(cmd, exited, done)
	s.log.Info("worker ready", zap.String("url", s.baseURL), zap.Int("pid", cmd.Process.Pid))
	if changed {
		s.notify(Ready)
	}
	return nil
}

// monitor waits for a running worker to exit and flips the state to Stopped.
// It never restarts the worker.
func (s *Supervisor) monitor(cmd *exec.Cmd, exited <-chan error, done chan struct{}) {
	err := <-exited
	defer close(done)

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.done = nil
	changed := s.transitionLocked(Stopped)
	s.mu.Unlock()

	s.log.Warn("worker exited", zap.Error(err))
	if changed {
		s.notify(Stopped)
	}
}

// abandon kills a failed attempt and waits for its reader goroutines.
func (s *Supervisor) abandon(cmd *exec.Cmd, exited <-chan error) {
	if err := killProcessGroup(cmd); err != nil {
		s.log.Warn("kill worker group", zap.Error(err))
	}
	select {
	case <-exited:
	case <-time.After(killWait):
		s.log.Warn("worker did not exit after kill", zap.Int("pid", cmd.Process.Pid))
	}
	s.release(cmd)
}

func (s *Supervisor) release(cmd *exec.Cmd) {
	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
	}
	s.mu.Unlock()
}

// Stop kills the worker if it is alive and resets to Stopped.
// An in-flight Start is abandoned and returns domain.ErrStopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.gen++
	cmd, done := s.cmd, s.done
	s.cmd, s.done = nil, nil
	changed := s.transitionLocked(Stopped)
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := killProcessGroup(cmd); err != nil {
			s.log.Warn("kill worker group", zap.Error(err))
		}
		s.log.Info("worker stopped", zap.Int("pid", cmd.Process.Pid))
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(killWait):
			s.log.Warn("timed out waiting for worker exit")
		}
	}
	s.client.CloseIdleConnections()
	if changed {
		s.notify(Stopped)
	}
}

func (s *Supervisor) isFatal(line string) bool {
	for _, m := range s.cfg.FatalMarkers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func (s *Supervisor) scan(r io.Reader, stream string, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		s.log.Debug(line, zap.String("stream", stream))
		fn(line)
	}
	// keep draining so the worker never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}
