package lifecycle

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	mu       sync.Mutex
	writes   []string
	resizes  [][2]int
	killed   int
	pid      int
	title    string
	titleErr error
	writeErr error
}

func (f *fakeHandle) Write(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeHandle) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

func (f *fakeHandle) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *fakeHandle) Pid() int { return f.pid }

func (f *fakeHandle) Title() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, f.titleErr
}

func (f *fakeHandle) setTitle(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.title = title
}

func (f *fakeHandle) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeHandle) lastResize() ([2]int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resizes) == 0 {
		return [2]int{}, false
	}
	return f.resizes[len(f.resizes)-1], true
}

// testRig wires a Session to a fakeHandle and exposes the injected callbacks.
type testRig struct {
	handle  *fakeHandle
	session *Session
	sendRaw func(string)
	rawExit func(int)
	spawned SpawnConfig
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()

	rig := &testRig{handle: &fakeHandle{pid: 4242}}
	cfg := Config{
		Spawn: func(sc SpawnConfig, onData func(string), onExit func(int)) (Handle, error) {
			rig.spawned = sc
			rig.sendRaw = onData
			rig.rawExit = onExit
			return rig.handle, nil
		},
		Path:              "/bin/fakesh",
		Cols:              80,
		Rows:              24,
		TitlePollInterval: 10 * time.Millisecond,
		ExitDebounce:      40 * time.Millisecond,
		PidNotifyDelay:    15 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	session, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rig.session = session
	t.Cleanup(func() {
		session.Shutdown()
		waitClosed(t, session)
	})
	return rig
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state = %v", s.State())
	}
}

func TestNewSpawnFailure(t *testing.T) {
	spawnErr := errors.New("no such shell")
	_, err := New(Config{
		Spawn: func(SpawnConfig, func(string), func(int)) (Handle, error) {
			return nil, spawnErr
		},
		Path: "/bin/missing",
	})
	if !errors.Is(err, spawnErr) {
		t.Fatalf("New() error = %v, want wrapped %v", err, spawnErr)
	}
}

func TestNewRequiresSpawnAndPath(t *testing.T) {
	if _, err := New(Config{Path: "/bin/sh"}); err == nil {
		t.Error("New() without Spawn should fail")
	}
	if _, err := New(Config{Spawn: func(SpawnConfig, func(string), func(int)) (Handle, error) {
		return &fakeHandle{}, nil
	}}); err == nil {
		t.Error("New() without Path should fail")
	}
}

func TestTermLabelOnPosix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("label selection differs on windows")
	}
	rig := newTestRig(t, nil)
	if rig.spawned.TermLabel != "xterm-256color" {
		t.Errorf("TermLabel = %q, want %q", rig.spawned.TermLabel, "xterm-256color")
	}
	if rig.spawned.Cols != 80 || rig.spawned.Rows != 24 {
		t.Errorf("spawn dimensions = %dx%d, want 80x24", rig.spawned.Cols, rig.spawned.Rows)
	}
}

func TestDataRelayPreservesOrder(t *testing.T) {
	rig := newTestRig(t, nil)

	got := make(chan string, 8)
	rig.session.OnData(func(chunk string) { got <- chunk })

	rig.sendRaw("one")
	rig.sendRaw("two")
	rig.sendRaw("three")

	for _, want := range []string{"one", "two", "three"} {
		select {
		case chunk := <-got:
			if chunk != want {
				t.Fatalf("chunk = %q, want %q", chunk, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for chunk %q", want)
		}
	}
}

func TestInputForwardsVerbatim(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.session.Input("ls -la\n"); err != nil {
		t.Fatalf("Input() error = %v", err)
	}

	rig.handle.mu.Lock()
	defer rig.handle.mu.Unlock()
	if len(rig.handle.writes) != 1 || rig.handle.writes[0] != "ls -la\n" {
		t.Errorf("writes = %q, want [%q]", rig.handle.writes, "ls -la\n")
	}
}

func TestInputPropagatesWriteError(t *testing.T) {
	rig := newTestRig(t, nil)
	writeErr := errors.New("pty gone")
	rig.handle.mu.Lock()
	rig.handle.writeErr = writeErr
	rig.handle.mu.Unlock()

	if err := rig.session.Input("x"); !errors.Is(err, writeErr) {
		t.Errorf("Input() error = %v, want wrapped %v", err, writeErr)
	}
}

func TestResizeClampsToOne(t *testing.T) {
	rig := newTestRig(t, nil)

	cases := []struct {
		cols, rows         int
		wantCols, wantRows int
	}{
		{0, 0, 1, 1},
		{-5, 10, 1, 10},
		{120, -1, 120, 1},
		{200, 50, 200, 50},
	}
	for _, tc := range cases {
		if err := rig.session.Resize(tc.cols, tc.rows); err != nil {
			t.Fatalf("Resize(%d, %d) error = %v", tc.cols, tc.rows, err)
		}
		last, ok := rig.handle.lastResize()
		if !ok {
			t.Fatalf("Resize(%d, %d) did not reach handle", tc.cols, tc.rows)
		}
		if last[0] != tc.wantCols || last[1] != tc.wantRows {
			t.Errorf("Resize(%d, %d) forwarded %dx%d, want %dx%d",
				tc.cols, tc.rows, last[0], last[1], tc.wantCols, tc.wantRows)
		}
	}
}

func TestExitDebounceAbsorbsTrailingOutput(t *testing.T) {
	rig := newTestRig(t, nil)

	var mu sync.Mutex
	var chunks []string
	var exitAt int // number of chunks observed when exit fired
	exited := make(chan int, 1)

	rig.session.OnData(func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	rig.session.OnExit(func(code int) {
		mu.Lock()
		exitAt = len(chunks)
		mu.Unlock()
		exited <- code
	})

	rig.rawExit(0)
	// Trailing chunks inside the debounce window, each re-arming it.
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		rig.sendRaw("tail")
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 3 {
		t.Errorf("observed %d chunks, want 3", len(chunks))
	}
	if exitAt != len(chunks) {
		t.Errorf("exit fired after %d of %d chunks; all output must precede exit", exitAt, len(chunks))
	}
	if rig.handle.killCount() == 0 {
		t.Error("child was not killed on close")
	}
}

func TestBackpressureLosesNoOutput(t *testing.T) {
	rig := newTestRig(t, nil)

	// Far more chunks than the relay buffer holds, pushed while the only
	// consumer is stalled on the first one.
	const total = 1500

	var mu sync.Mutex
	received := 0
	exitAt := -1
	release := make(chan struct{})
	exited := make(chan int, 1)

	rig.session.OnData(func(chunk string) {
		mu.Lock()
		received++
		first := received == 1
		mu.Unlock()
		if first {
			<-release
		}
	})
	rig.session.OnExit(func(code int) {
		mu.Lock()
		exitAt = received
		mu.Unlock()
		exited <- code
	})

	pushed := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			rig.sendRaw("chunk")
		}
		close(pushed)
	}()

	// Let the burst pile up behind the stalled consumer before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("producer is still blocked after the consumer was released")
	}

	rig.rawExit(0)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("exit never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if received != total {
		t.Errorf("observed %d of %d chunks", received, total)
	}
	if exitAt != total {
		t.Errorf("exit fired after %d of %d chunks; all output must precede exit", exitAt, total)
	}
}

func TestExitFiresAtMostOnce(t *testing.T) {
	rig := newTestRig(t, nil)

	exits := make(chan int, 4)
	rig.session.OnExit(func(code int) { exits <- code })

	rig.rawExit(7)
	rig.session.Shutdown()
	rig.session.Shutdown()
	waitClosed(t, rig.session)

	select {
	case code := <-exits:
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	case <-time.After(time.Second):
		t.Fatal("exit never fired")
	}
	select {
	case code := <-exits:
		t.Fatalf("second exit event fired with code %d", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNoDataAfterClose(t *testing.T) {
	rig := newTestRig(t, nil)

	got := make(chan string, 8)
	rig.session.OnData(func(chunk string) { got <- chunk })

	rig.session.Shutdown()
	waitClosed(t, rig.session)

	rig.sendRaw("late")
	select {
	case chunk := <-got:
		t.Fatalf("data %q delivered after close", chunk)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownReportsKilledSentinel(t *testing.T) {
	rig := newTestRig(t, nil)

	exited := make(chan int, 1)
	rig.session.OnExit(func(code int) { exited <- code })

	start := time.Now()
	rig.session.Shutdown()

	select {
	case code := <-exited:
		if code != ExitCodeKilled {
			t.Errorf("exit code = %d, want ExitCodeKilled (%d)", code, ExitCodeKilled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never produced an exit event")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exit took %v, expected roughly the debounce window", elapsed)
	}
	if rig.handle.killCount() == 0 {
		t.Error("child was not force-killed")
	}
}

func TestProcessIDFiresOnceBeforeExit(t *testing.T) {
	rig := newTestRig(t, nil)

	events := make(chan string, 8)
	rig.session.OnProcessID(func(pid int) {
		if pid != 4242 {
			t.Errorf("pid = %d, want 4242", pid)
		}
		events <- "pid"
	})
	rig.session.OnExit(func(int) { events <- "exit" })

	rig.rawExit(0)
	waitClosed(t, rig.session)

	var order []string
	for len(order) < 2 {
		select {
		case ev := <-events:
			order = append(order, ev)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", order)
		}
	}
	if order[0] != "pid" || order[1] != "exit" {
		t.Errorf("event order = %v, want [pid exit]", order)
	}
	select {
	case ev := <-events:
		t.Fatalf("extra event %q after close", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessIDFlushedOnFastExit(t *testing.T) {
	// Pid delay longer than the debounce: the child dies before the pid
	// timer fires, and the notification must still precede exit.
	rig := newTestRig(t, func(cfg *Config) {
		cfg.PidNotifyDelay = time.Minute
		cfg.ExitDebounce = 20 * time.Millisecond
	})

	events := make(chan string, 4)
	rig.session.OnProcessID(func(int) { events <- "pid" })
	rig.session.OnExit(func(int) { events <- "exit" })

	rig.rawExit(1)
	waitClosed(t, rig.session)

	first := <-events
	second := <-events
	if first != "pid" || second != "exit" {
		t.Errorf("event order = [%s %s], want [pid exit]", first, second)
	}
}

func TestProcessIDSkippedWhenUnavailable(t *testing.T) {
	// A handle whose process never materialized reports pid 0; no pid event
	// may carry a non-positive value.
	handle := &fakeHandle{}
	session, err := New(Config{
		Spawn: func(SpawnConfig, func(string), func(int)) (Handle, error) {
			return handle, nil
		},
		Path:              "/bin/fakesh",
		TitlePollInterval: 10 * time.Millisecond,
		ExitDebounce:      20 * time.Millisecond,
		PidNotifyDelay:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	pids := make(chan int, 2)
	session.OnProcessID(func(pid int) { pids <- pid })
	exited := make(chan int, 1)
	session.OnExit(func(code int) { exited <- code })

	// Well past the pid delay, then through the close path.
	time.Sleep(40 * time.Millisecond)
	session.Shutdown()
	waitClosed(t, session)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit never fired")
	}
	select {
	case pid := <-pids:
		t.Fatalf("pid event fired with %d for a pid-less handle", pid)
	default:
	}
}

func TestTitlePolling(t *testing.T) {
	rig := newTestRig(t, nil)

	titles := make(chan string, 8)
	rig.session.OnTitleChanged(func(title string) { titles <- title })

	rig.handle.setTitle("vim")
	select {
	case title := <-titles:
		if title != "vim" {
			t.Fatalf("title = %q, want %q", title, "vim")
		}
	case <-time.After(time.Second):
		t.Fatal("title change never observed")
	}

	// Unchanged title must not re-fire across several poll periods.
	select {
	case title := <-titles:
		t.Fatalf("duplicate title event %q", title)
	case <-time.After(100 * time.Millisecond):
	}

	rig.handle.setTitle("htop")
	select {
	case title := <-titles:
		if title != "htop" {
			t.Fatalf("title = %q, want %q", title, "htop")
		}
	case <-time.After(time.Second):
		t.Fatal("second title change never observed")
	}
	if got := rig.session.Title(); got != "htop" {
		t.Errorf("Title() = %q, want %q", got, "htop")
	}
}

func TestTitlePollErrorSkipsTick(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.handle.mu.Lock()
	rig.handle.titleErr = errors.New("proc read failed")
	rig.handle.mu.Unlock()

	// Session must survive failing polls.
	time.Sleep(50 * time.Millisecond)
	if state := rig.session.State(); state != StateRunning {
		t.Errorf("State() = %v, want %v", state, StateRunning)
	}

	titles := make(chan string, 2)
	rig.session.OnTitleChanged(func(title string) { titles <- title })
	rig.handle.mu.Lock()
	rig.handle.titleErr = nil
	rig.handle.title = "recovered"
	rig.handle.mu.Unlock()

	select {
	case title := <-titles:
		if title != "recovered" {
			t.Errorf("title = %q, want %q", title, "recovered")
		}
	case <-time.After(time.Second):
		t.Fatal("polling did not recover after error")
	}
}

func TestClosedSessionRejectsInputAndResize(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.session.Shutdown()
	waitClosed(t, rig.session)

	if state := rig.session.State(); state != StateClosed {
		t.Fatalf("State() = %v, want %v", state, StateClosed)
	}
	if err := rig.session.Input("x"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Input() after close error = %v, want ErrSessionClosed", err)
	}
	if err := rig.session.Resize(80, 24); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Resize() after close error = %v, want ErrSessionClosed", err)
	}
	// Shutdown after close stays a no-op.
	rig.session.Shutdown()
}

func TestConstructionClampsInitialSize(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Cols = 0
		cfg.Rows = -3
	})
	if rig.spawned.Cols != 1 || rig.spawned.Rows != 1 {
		t.Errorf("spawn dimensions = %dx%d, want 1x1", rig.spawned.Cols, rig.spawned.Rows)
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "running" || StateExitPending.String() != "exit-pending" || StateClosed.String() != "closed" {
		t.Errorf("unexpected state names: %v %v %v", StateRunning, StateExitPending, StateClosed)
	}
}
