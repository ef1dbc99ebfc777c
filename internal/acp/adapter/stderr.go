package adapter

import (
	"strings"
	"sync"
)

// Stderr capture bounds. The middle of a long stderr stream is intentionally
// lost; downstream UIs show head and tail and must not reconstruct the gap.
const (
	StderrHeadLines = 20
	StderrTailLines = 50
)

// StderrSnapshot is a bounded view of the subprocess's stderr output,
// attached to session-ended diagnostics.
type StderrSnapshot struct {
	Head       string `json:"head"`
	Tail       string `json:"tail,omitempty"`
	Truncated  bool   `json:"truncated"`
	TotalLines int    `json:"total_lines"`
}

// stderrCapture keeps the first StderrHeadLines and last StderrTailLines
// lines of stderr plus a total count.
type stderrCapture struct {
	mu    sync.Mutex
	head  []string
	tail  []string
	total int
}

func newStderrCapture() *stderrCapture {
	return &stderrCapture{
		head: make([]string, 0, StderrHeadLines),
		tail: make([]string, 0, StderrTailLines),
	}
}

func (c *stderrCapture) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if len(c.head) < StderrHeadLines {
		c.head = append(c.head, line)
		return
	}
	c.tail = append(c.tail, line)
	if len(c.tail) > StderrTailLines {
		c.tail = c.tail[1:]
	}
}

// snapshot returns the captured stderr. When everything fit in the bounds the
// full content is presented in Head with Truncated=false.
func (c *stderrCapture) snapshot() StderrSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total <= StderrHeadLines+StderrTailLines {
		all := make([]string, 0, c.total)
		all = append(all, c.head...)
		all = append(all, c.tail...)
		return StderrSnapshot{
			Head:       strings.Join(all, "\n"),
			Truncated:  false,
			TotalLines: c.total,
		}
	}

	return StderrSnapshot{
		Head:       strings.Join(c.head, "\n"),
		Tail:       strings.Join(c.tail, "\n"),
		Truncated:  true,
		TotalLines: c.total,
	}
}
