package cli

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Progress prints one status line per checked item and a closing summary.
// A nil *Progress discards everything, so callers can leave it unset when
// progress output is off.
type Progress struct {
	mu      sync.Mutex
	w       io.Writer
	unit    string
	total   int
	done    int
	failed  int
	started time.Time
}

// NewProgress returns a Progress over total items counted in unit
// ("files", "violations").
func NewProgress(w io.Writer, unit string, total int) *Progress {
	if unit == "" {
		unit = "items"
	}
	return &Progress{w: w, unit: unit, total: total, started: time.Now()}
}

// Step records one finished item.
func (p *Progress) Step(name string, ok bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	mark := "ok"
	if !ok {
		p.failed++
		mark = "FAIL"
	}
	width := len(fmt.Sprint(p.total))
	fmt.Fprintf(p.w, "[%*d/%d] %-4s %s\n", width, p.done, p.total, mark, name)
}

// Done prints the summary line.
func (p *Progress) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "checked %d %s, %d failed in %s\n",
		p.done, p.unit, p.failed, time.Since(p.started).Round(time.Millisecond))
}
