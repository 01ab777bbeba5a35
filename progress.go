package k0fiscan

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/mattn/go-isatty"
)

// ProgressSink receives scan progress. The engine calls it from a single
// goroutine: Start once, Increment once per finished probe, Finish once.
type ProgressSink interface {
	Start(total int64)
	Increment()
	Finish()
}

// NopProgress discards progress events.
type NopProgress struct{}

func (NopProgress) Start(int64) {}
func (NopProgress) Increment()  {}
func (NopProgress) Finish()     {}

// CountingProgress records events without drawing anything, for callers
// that want to inspect how far a scan got.
type CountingProgress struct {
	total atomic.Int64
	done  atomic.Int64
}

func (c *CountingProgress) Start(total int64) { c.total.Store(total) }
func (c *CountingProgress) Increment()        { c.done.Add(1) }
func (c *CountingProgress) Finish()           {}

// Total returns the ceiling announced by Start.
func (c *CountingProgress) Total() int64 { return c.total.Load() }

// Done returns the number of finished probes.
func (c *CountingProgress) Done() int64 { return c.done.Load() }

const progressTick = 100 * time.Millisecond

// TerminalProgress draws a spinner, elapsed time, a bar and an ETA on a
// single terminal line, redrawn on a fixed tick.
type TerminalProgress struct {
	out     io.Writer
	bar     progress.Model
	frames  []string
	message string

	total   atomic.Int64
	done    atomic.Int64
	started time.Time

	// finish stops the redraw loop of the current run; it is safe to call
	// more than once.
	finish func()
	wg     sync.WaitGroup
}

// NewTerminalProgress creates a renderer writing to out.
func NewTerminalProgress(out io.Writer, message string) *TerminalProgress {
	return &TerminalProgress{
		out:     out,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		frames:  spinner.MiniDot.Frames,
		message: message,
		finish:  func() {},
	}
}

// NewProgressSink picks a renderer for f: a terminal bar when f is a
// terminal and progress is enabled, otherwise a silent sink.
func NewProgressSink(f *os.File, enabled bool) ProgressSink {
	if !enabled || f == nil {
		return NopProgress{}
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return NopProgress{}
	}
	return NewTerminalProgress(f, "Scanning started... brewing ports")
}

// Start begins redrawing. A renderer can be started again after Finish.
func (p *TerminalProgress) Start(total int64) {
	p.total.Store(total)
	p.done.Store(0)
	p.started = time.Now()

	stop := make(chan struct{})
	p.finish = sync.OnceFunc(func() {
		close(stop)
		p.wg.Wait()
		fmt.Fprint(p.out, "\r\x1b[K")
		fmt.Fprintln(p.out, "Done, your coffee is ready!")
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(progressTick)
		defer ticker.Stop()
		for frame := 0; ; frame++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.draw(frame)
			}
		}
	}()
}

func (p *TerminalProgress) Increment() { p.done.Add(1) }

// Finish stops redrawing and clears the line.
func (p *TerminalProgress) Finish() { p.finish() }

func (p *TerminalProgress) draw(frame int) {
	total, done := p.total.Load(), p.done.Load()
	percent := 1.0
	if total > 0 {
		percent = float64(done) / float64(total)
	}
	elapsed := time.Since(p.started)

	fmt.Fprintf(p.out, "\r\x1b[K%s %s [%s] %s %3.0f%% ETA: %s",
		p.frames[frame%len(p.frames)],
		p.message,
		formatClock(elapsed),
		p.bar.ViewAs(percent),
		percent*100,
		formatClock(eta(elapsed, done, total)),
	)
}

func eta(elapsed time.Duration, done, total int64) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	perProbe := elapsed / time.Duration(done)
	return perProbe * time.Duration(total-done)
}

// formatClock renders d as HH:MM:SS.
func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
