// Package pty is the spawn facility: it launches a process attached to a new
// pseudo-terminal and exposes the handle contract the lifecycle package
// drives.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	creackpty "github.com/creack/pty"

	"github.com/user/termhost/internal/lifecycle"
)

// ErrClosed is returned by Write and Resize after the handle was killed.
var ErrClosed = errors.New("pty: handle is closed")

// Handle wraps a child process running inside a pty and implements
// lifecycle.Handle.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	closed   bool
	killOnce sync.Once
	killErr  error
}

// Spawn starts cfg.Path inside a new pty sized to cfg.Cols x cfg.Rows. The
// onData callback receives every chunk read from the pty; onExit fires once
// with the child's exit code (-1 when killed by signal). Both callbacks are
// invoked from internal goroutines and must not block for long.
func Spawn(cfg lifecycle.SpawnConfig, onData func(string), onExit func(code int)) (lifecycle.Handle, error) {
	if cfg.Path == "" {
		return nil, errors.New("pty: executable path must not be empty")
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	env := cfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	if runtime.GOOS != "windows" && cfg.TermLabel != "" {
		env = append(env, "TERM="+cfg.TermLabel)
	}
	cmd.Env = env

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("pty: start %q: %w", cfg.Path, err)
	}

	h := &Handle{cmd: cmd, ptmx: ptmx}
	go h.readPump(onData)
	go h.waitExit(onExit)
	return h, nil
}

// readPump reads from the pty fd until it errors, forwarding each chunk. The
// fd reports an error once the child exits and the handle is killed, which
// ends the loop.
func (h *Handle) readPump(onData func(string)) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && onData != nil {
			onData(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the child and reports its exit code exactly once.
func (h *Handle) waitExit(onExit func(code int)) {
	err := h.cmd.Wait()
	code := -1
	if state := h.cmd.ProcessState; state != nil {
		code = state.ExitCode()
	} else if err == nil {
		code = 0
	}
	if onExit != nil {
		onExit(code)
	}
}

// Write sends data to the child's stdin through the pty.
func (h *Handle) Write(data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, err := h.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("pty: write: %w", err)
	}
	return nil
}

// Resize changes the pty window size. Callers are expected to pass
// dimensions of at least 1.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if err := creackpty.Setsize(h.ptmx, &creackpty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return fmt.Errorf("pty: resize: %w", err)
	}
	return nil
}

// Kill force-terminates the child and closes the pty fd. Safe to call
// multiple times and on an already-dead process.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		if h.cmd.Process != nil {
			// Ignore the error: the process may already be gone.
			_ = h.cmd.Process.Kill()
		}
		h.killErr = h.ptmx.Close()
	})
	return h.killErr
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Title returns a point-in-time read of the terminal's title: the name of
// the pty's foreground process where the platform exposes it, otherwise the
// spawned executable's base name.
func (h *Handle) Title() (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	return h.currentTitle()
}

func (h *Handle) fallbackTitle() string {
	return filepath.Base(h.cmd.Path)
}
