//go:build !linux

package pty

// currentTitle falls back to the executable's base name on platforms without
// a portable foreground-process lookup.
func (h *Handle) currentTitle() (string, error) {
	return h.fallbackTitle(), nil
}
