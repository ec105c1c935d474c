package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/event"
	"github.com/Iron-Ham/llmscore/internal/run"
	"github.com/Iron-Ham/llmscore/internal/styles"
)

// progressRenderer prints run events. On a terminal the progress line is
// rewritten in place; otherwise each finished task gets its own line.
type progressRenderer struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	width int
	// dirty is set while a progress line is on screen.
	dirty bool
	sub   string
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	r := &progressRenderer{out: out, width: 80}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			r.width = w
		}
	}
	return r
}

// attach subscribes the renderer to every event on bus.
func (r *progressRenderer) attach(bus *event.Bus) {
	r.sub = bus.SubscribeAll(r.handle)
}

// detach stops rendering events from bus. The summary is printed after it.
func (r *progressRenderer) detach(bus *event.Bus) {
	if r.sub == "" {
		return
	}
	bus.Unsubscribe(r.sub)
	r.sub = ""
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLine()
}

func (r *progressRenderer) handle(e event.Event) {
	switch ev := e.(type) {
	case event.RunStartedEvent:
		r.onRunStarted(ev)
	case event.ProviderSkippedEvent:
		r.onProviderSkipped(ev)
	case event.ProgressEvent:
		r.onProgress(ev)
	case event.TaskCompletedEvent:
		r.onTaskCompleted(ev)
	case event.RunFinishedEvent:
		r.mu.Lock()
		r.clearLine()
		r.mu.Unlock()
	}
}

func (r *progressRenderer) clearLine() {
	if r.dirty {
		fmt.Fprint(r.out, "\r\033[K")
		r.dirty = false
	}
}

func (r *progressRenderer) println(s string) {
	r.clearLine()
	fmt.Fprintln(r.out, s)
}

func (r *progressRenderer) onRunStarted(ev event.RunStartedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	verb := "Starting"
	if ev.Resumed {
		verb = "Resuming"
	}
	r.println(styles.Title.Render(fmt.Sprintf("%s run %s", verb, ev.RunID)))
	r.println(styles.Muted.Render(fmt.Sprintf("%d tasks, %d already done, providers: %s",
		ev.Total, ev.Skipped, strings.Join(ev.Providers, ", "))))
}

func (r *progressRenderer) onProviderSkipped(ev event.ProviderSkippedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.println(styles.Warning.Render(fmt.Sprintf("skipping provider %s: %s", ev.Provider, ev.Reason)))
}

func (r *progressRenderer) onProgress(ev event.ProgressEvent) {
	if !r.tty {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("[%d/%d] %s", ev.Current, ev.Total, ev.Description)
	fmt.Fprint(r.out, "\r\033[K"+styles.Truncate(line, r.width-1))
	r.dirty = true
}

func (r *progressRenderer) onTaskCompleted(ev event.TaskCompletedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.Failed():
		r.println(fmt.Sprintf("%s %s: %s", styles.Status("failed"), ev.Key, styles.Truncate(ev.Error, max(r.width-len(ev.Key.String())-10, 20))))
	case !r.tty:
		r.println(fmt.Sprintf("%s %s (%s)", styles.Status("ok"), ev.Key, ev.Model))
	}
}

// printSummary reports the counts and ledger location, and on interruption
// the command that resumes the run.
func printSummary(w io.Writer, sum run.Summary, runErr error) {
	if sum.RunID == "" {
		return
	}
	status := "complete"
	if runErr != nil {
		status = "aborted"
		if errors.Is(runErr, errors.ErrInterrupted) {
			status = "interrupted"
		}
	}

	lines := []string{
		styles.KV("run", styles.Value.Render(sum.RunID)+" "+styles.Status(status)),
		styles.KV("total", fmt.Sprint(sum.Total)),
		styles.KV("skipped", fmt.Sprint(sum.Skipped)),
		styles.KV("processed", fmt.Sprint(sum.Processed)),
		styles.KV("errors", errorCount(sum.Errors)),
	}
	if sum.Remaining > 0 {
		lines = append(lines, styles.KV("remaining", styles.Warning.Render(fmt.Sprint(sum.Remaining))))
	}
	if len(sum.Retried) > 0 {
		lines = append(lines, styles.KV("retried", fmt.Sprint(len(sum.Retried))))
		for _, key := range sum.Retried {
			lines = append(lines, "  "+styles.Muted.Render(styles.Truncate(key, 60)))
		}
	}
	lines = append(lines,
		styles.KV("duration", sum.Duration.Round(time.Millisecond).String()),
		styles.KV("ledger", sum.LedgerPath),
	)
	var runErrTyped *errors.RunError
	if errors.As(runErr, &runErrTyped) && runErrTyped.ResumeHint != "" {
		lines = append(lines, "", "Resume with: "+styles.Command.Render(runErrTyped.ResumeHint))
	}
	fmt.Fprintln(w, styles.Box.Render(strings.Join(lines, "\n")))
}

func errorCount(n int) string {
	if n == 0 {
		return styles.Success.Render("0")
	}
	return styles.Error.Render(fmt.Sprint(n))
}
