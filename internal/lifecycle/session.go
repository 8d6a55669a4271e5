// Package lifecycle manages one externally-spawned interactive terminal
// process from spawn to close: it relays its output, tracks its pid and
// title, and delivers exactly one exit notification after trailing output has
// been flushed.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTitlePollInterval is how often the pty title is sampled.
	DefaultTitlePollInterval = 200 * time.Millisecond
	// DefaultExitDebounce is the quiet period with no output that must
	// elapse after an exit signal before the exit event is delivered.
	DefaultExitDebounce = 250 * time.Millisecond
	// DefaultPidNotifyDelay is the margin between spawn and the pid event,
	// covering backends that report a valid pid slightly after spawn returns.
	DefaultPidNotifyDelay = 500 * time.Millisecond
)

// ExitCodeKilled is the exit code reported when the session closes before the
// child ever reported one, e.g. Shutdown on a still-running process. A
// reserved negative value is used because 0 would be indistinguishable from a
// genuine clean exit.
const ExitCodeKilled = -1

// ErrSessionClosed is returned by Input and Resize once the session has
// reached the Closed state.
var ErrSessionClosed = errors.New("lifecycle: session is closed")

// State is the lifecycle phase of a Session.
type State int32

const (
	// StateRunning means the child is alive and no exit has been signaled.
	StateRunning State = iota
	// StateExitPending means an exit was signaled (or Shutdown was called)
	// and the debounce window is absorbing trailing output.
	StateExitPending
	// StateClosed is terminal: the exit event has fired and all streams are
	// torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExitPending:
		return "exit-pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes the process to launch and the timers driving the session.
type Config struct {
	Spawn SpawnFunc

	Path string
	Args []string
	Dir  string
	Env  []string
	Cols int
	Rows int

	// Zero values fall back to the package defaults. Tests shrink these.
	TitlePollInterval time.Duration
	ExitDebounce      time.Duration
	PidNotifyDelay    time.Duration
}

// Session owns exactly one pty handle and is its only writer. All internal
// state transitions are serialized through a single run goroutine; callbacks
// from the handle and caller-invoked operations only post messages to it.
type Session struct {
	handle Handle

	data       chan string
	exitSignal chan int
	shutdown   chan struct{}
	done       chan struct{}

	titlePollInterval time.Duration
	exitDebounce      time.Duration
	pidNotifyDelay    time.Duration

	state  atomic.Int32
	closed atomic.Bool

	mu        sync.Mutex
	lastTitle string

	dataEvents  emitter[string]
	exitEvents  emitter[int]
	pidEvents   emitter[int]
	titleEvents emitter[string]
}

// New spawns the configured process and starts managing it. No session
// exists if the spawn fails.
func New(cfg Config) (*Session, error) {
	if cfg.Spawn == nil {
		return nil, errors.New("lifecycle: spawn function is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("lifecycle: executable path is required")
	}

	s := &Session{
		data:              make(chan string, 1024),
		exitSignal:        make(chan int, 1),
		shutdown:          make(chan struct{}, 1),
		done:              make(chan struct{}),
		titlePollInterval: cfg.TitlePollInterval,
		exitDebounce:      cfg.ExitDebounce,
		pidNotifyDelay:    cfg.PidNotifyDelay,
	}
	if s.titlePollInterval <= 0 {
		s.titlePollInterval = DefaultTitlePollInterval
	}
	if s.exitDebounce <= 0 {
		s.exitDebounce = DefaultExitDebounce
	}
	if s.pidNotifyDelay <= 0 {
		s.pidNotifyDelay = DefaultPidNotifyDelay
	}

	handle, err := cfg.Spawn(SpawnConfig{
		Path:      cfg.Path,
		Args:      cfg.Args,
		TermLabel: TermLabel(cfg.Path),
		Dir:       cfg.Dir,
		Env:       cfg.Env,
		Cols:      clampDim(cfg.Cols),
		Rows:      clampDim(cfg.Rows),
	}, s.pushData, s.pushExit)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: spawn %q: %w", cfg.Path, err)
	}
	s.handle = handle

	go s.run()
	return s, nil
}

// OnData subscribes to output chunks. Returns an unsubscribe function.
func (s *Session) OnData(fn func(chunk string)) func() { return s.dataEvents.subscribe(fn) }

// OnExit subscribes to the exit notification, delivered at most once.
func (s *Session) OnExit(fn func(code int)) func() { return s.exitEvents.subscribe(fn) }

// OnProcessID subscribes to the pid notification, delivered exactly once and
// always before the exit notification.
func (s *Session) OnProcessID(fn func(pid int)) func() { return s.pidEvents.subscribe(fn) }

// OnTitleChanged subscribes to title changes. Consecutive duplicate titles
// are suppressed.
func (s *Session) OnTitleChanged(fn func(title string)) func() { return s.titleEvents.subscribe(fn) }

// Input forwards text verbatim to the child. A write failure is not
// recoverable at this layer; the error is propagated as-is.
func (s *Session) Input(data string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.handle.Write(data); err != nil {
		return fmt.Errorf("lifecycle: write input: %w", err)
	}
	return nil
}

// Resize forwards new dimensions to the pty, clamping both to a minimum of 1.
// Zero or negative sizes crash some native backends, so the clamp lives here
// rather than trusting callers.
func (s *Session) Resize(cols, rows int) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.handle.Resize(clampDim(cols), clampDim(rows))
}

// Shutdown requests termination. The child is not killed synchronously: the
// same debounce-then-kill path as a natural exit runs, so trailing output is
// still delivered. Safe to call multiple times and after close.
func (s *Session) Shutdown() {
	select {
	case <-s.done:
	case s.shutdown <- struct{}{}:
	default:
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Title reports the last published title, empty until the first change.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTitle
}

// Done is closed once the session reaches Closed and the exit event has fired.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is closed.
func (s *Session) Wait() { <-s.done }

// pushData is the handle's raw-data callback. The send blocks once the
// buffer fills so that a slow consumer backpressures the pty reader instead
// of losing output; closing the session unblocks any stalled producer.
func (s *Session) pushData(chunk string) {
	select {
	case s.data <- chunk:
	case <-s.done:
	}
}

// pushExit is the handle's raw-exit callback. The channel holds one code; a
// handle only reports exit once.
func (s *Session) pushExit(code int) {
	if s.closed.Load() {
		return
	}
	select {
	case s.exitSignal <- code:
	default:
	}
}

// run serializes every state transition. It is the sole producer on all four
// event streams, which is what guarantees per-stream FIFO order and that no
// data event follows the exit event.
func (s *Session) run() {
	titleTicker := time.NewTicker(s.titlePollInterval)
	defer titleTicker.Stop()

	pidTimer := time.NewTimer(s.pidNotifyDelay)
	defer pidTimer.Stop()

	debounce := time.NewTimer(time.Hour)
	stopTimer(debounce)
	defer debounce.Stop()

	// Initial poll before the first tick so early subscribers see a title.
	s.pollTitle()

	exitCode := ExitCodeKilled
	pidSent := false

	for {
		select {
		case chunk := <-s.data:
			s.dataEvents.emit(chunk)
			if s.State() == StateExitPending {
				// Output after the exit signal means the notification was
				// premature; wait out a fresh quiet period.
				rearmTimer(debounce, s.exitDebounce)
			}

		case code := <-s.exitSignal:
			exitCode = code
			s.state.Store(int32(StateExitPending))
			rearmTimer(debounce, s.exitDebounce)

		case <-s.shutdown:
			s.state.Store(int32(StateExitPending))
			rearmTimer(debounce, s.exitDebounce)

		case <-pidTimer.C:
			// A non-positive pid means the process never materialized;
			// finalize gets one more chance to read it.
			if pid := s.handle.Pid(); !pidSent && pid > 0 {
				s.pidEvents.emit(pid)
				pidSent = true
			}

		case <-titleTicker.C:
			s.pollTitle()

		case <-debounce.C:
			// Chunks already queued when the timer fired count as re-arms.
			if s.drainData() {
				rearmTimer(debounce, s.exitDebounce)
				continue
			}
			s.finalize(exitCode, pidSent)
			return
		}
	}
}

// drainData emits everything currently queued and reports whether anything
// was pending.
func (s *Session) drainData() bool {
	drained := false
	for {
		select {
		case chunk := <-s.data:
			s.dataEvents.emit(chunk)
			drained = true
		default:
			return drained
		}
	}
}

// finalize moves the session to Closed: kill the child, flush a pending pid
// notification, fire the single exit event, then tear every stream down.
func (s *Session) finalize(code int, pidSent bool) {
	s.closed.Store(true)
	s.state.Store(int32(StateClosed))

	if err := s.handle.Kill(); err != nil {
		slog.Debug("kill on session close", "error", err)
	}
	if pid := s.handle.Pid(); !pidSent && pid > 0 {
		s.pidEvents.emit(pid)
	}
	s.exitEvents.emit(code)

	s.dataEvents.close()
	s.exitEvents.close()
	s.pidEvents.close()
	s.titleEvents.close()
	close(s.done)
}

// pollTitle samples the handle's title and publishes it if it changed. A
// failing read skips the tick instead of ending the session.
func (s *Session) pollTitle() {
	title, err := s.handle.Title()
	if err != nil {
		slog.Debug("title poll failed", "error", err)
		return
	}
	s.mu.Lock()
	changed := title != s.lastTitle
	if changed {
		s.lastTitle = title
	}
	s.mu.Unlock()
	if changed {
		s.titleEvents.emit(title)
	}
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func rearmTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
