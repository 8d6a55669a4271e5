package lifecycle

import (
	"path/filepath"
	"runtime"
)

// Handle is the pty capability a Session drives. Implementations must make
// Kill idempotent and Title a cheap point-in-time read.
type Handle interface {
	Write(data string) error
	Resize(cols, rows int) error
	Kill() error
	Pid() int
	Title() (string, error)
}

// SpawnConfig describes the process a SpawnFunc should create.
type SpawnConfig struct {
	Path      string
	Args      []string
	TermLabel string
	Dir       string
	Env       []string
	Cols      int
	Rows      int
}

// SpawnFunc creates a process attached to a fresh pty. The data and exit
// callbacks are registered before any output can be produced, so no chunk is
// lost to a registration race.
type SpawnFunc func(cfg SpawnConfig, onData func(string), onExit func(code int)) (Handle, error)

// ansiTerm is the TERM value advertised on non-Windows hosts. Many shell
// startup scripts only enable colored prompts when they recognize it.
const ansiTerm = "xterm-256color"

// TermLabel picks the terminal-type label for a spawn: the executable's base
// name on Windows (conhost keys behavior off it), ansiTerm everywhere else.
func TermLabel(path string) string {
	if runtime.GOOS == "windows" {
		return filepath.Base(path)
	}
	return ansiTerm
}
