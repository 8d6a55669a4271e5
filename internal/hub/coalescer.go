package hub

import (
	"strings"
	"sync"
	"time"
)

// coalescer batches terminal output chunks that arrive within one interval
// into a single data message, so a chatty child does not turn into one
// websocket frame per byte.
type coalescer struct {
	mu       sync.Mutex
	texts    []string
	interval time.Duration
	onFlush  func(text string)
	timer    *time.Timer
}

func newCoalescer(interval time.Duration, onFlush func(string)) *coalescer {
	return &coalescer{
		interval: interval,
		onFlush:  onFlush,
	}
}

func (c *coalescer) Add(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.texts = append(c.texts, text)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.Flush)
	}
}

// Flush sends everything pending as one message.
func (c *coalescer) Flush() {
	c.mu.Lock()
	texts := c.texts
	c.texts = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if c.onFlush != nil && len(texts) > 0 {
		c.onFlush(strings.Join(texts, ""))
	}
}
