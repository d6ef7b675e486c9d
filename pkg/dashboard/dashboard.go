package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/models"
)

// quitKey exits the dashboard without touching the rest of the fleet.
const quitKey = 'q'

// Aggregator is the slice of the metrics package the dashboard needs.
type Aggregator interface {
	Aggregate() (models.RunMetrics, error)
}

// Dashboard renders run metrics to the terminal on a fixed cadence with a
// non-blocking quit-key poll. Single-threaded cooperative refresh: the key
// reader goroutine only feeds a channel.
type Dashboard struct {
	Aggregator Aggregator
	Interval   time.Duration
	Log        *logging.Logger

	// Out and In default to the process terminal; tests substitute
	// buffers and disable raw mode through them.
	Out io.Writer
	In  io.Reader

	// Size returns the terminal dimensions; nil means unconstrained.
	Size func() (cols, rows int, err error)

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a dashboard over the given aggregator.
func New(aggregator Aggregator, interval time.Duration, log *logging.Logger) *Dashboard {
	return &Dashboard{
		Aggregator: aggregator,
		Interval:   interval,
		Log:        log,
		Out:        os.Stdout,
		In:         os.Stdin,
		Size: func() (int, int, error) {
			return term.GetSize(int(os.Stdout.Fd()))
		},
	}
}

// Done is closed once Run has returned, which is after the deferred
// terminal restore ran. Whoever owns process exit must wait on it so the
// operator's terminal is never left in raw mode.
func (d *Dashboard) Done() <-chan struct{} {
	return d.doneChan()
}

func (d *Dashboard) doneChan() chan struct{} {
	d.doneOnce.Do(func() {
		d.done = make(chan struct{})
	})
	return d.done
}

// Run refreshes until ctx is cancelled or the quit key is pressed. The
// terminal is put into raw mode for key polling and always restored.
func (d *Dashboard) Run(ctx context.Context) error {
	defer close(d.doneChan())

	var restore func()
	if f, ok := d.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(int(f.Fd()), state) }
		defer restore()
	}

	keys := make(chan byte, 8)
	go d.readKeys(ctx, keys)

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	d.refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-keys:
			if key == quitKey {
				return nil
			}
		case <-ticker.C:
			d.refresh()
		}
	}
}

// readKeys feeds single bytes from the input. While blocked in Read it has
// no cancellation path; the goroutine lives until the input yields EOF or
// the process exits. Run never waits on it, so a parked read cannot delay
// teardown.
func (d *Dashboard) readKeys(ctx context.Context, keys chan<- byte) {
	buf := make([]byte, 1)
	for {
		n, err := d.In.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		select {
		case keys <- buf[0]:
		case <-ctx.Done():
			return
		}
	}
}

// refresh aggregates and redraws. Aggregation failures (e.g. the run marker
// not written yet) render as a message, never crash the loop.
func (d *Dashboard) refresh() {
	run, err := d.Aggregator.Aggregate()

	var body string
	if err != nil {
		body = fmt.Sprintf("Mining data unavailable: %v", err)
	} else {
		body = d.Render(run)
	}

	// Clear screen and home the cursor; raw mode needs CRLF line ends.
	fmt.Fprint(d.Out, "\033[2J\033[H")
	fmt.Fprint(d.Out, "Mining Data\r\n")
	fmt.Fprint(d.Out, strings.ReplaceAll(body, "\n", "\r\n"))
}

// Render produces the metrics table: metric names as headers, one value
// row, one usage column per device. Degrades to a placeholder when the
// table does not fit the terminal.
func (d *Dashboard) Render(run models.RunMetrics) string {
	headers := make([]string, 0, len(run.GPUUsage)+5)
	values := make([]string, 0, len(run.GPUUsage)+5)

	for i, usage := range run.GPUUsage {
		headers = append(headers, fmt.Sprintf("GPU%d Usage", i))
		values = append(values, fmt.Sprintf("%.0f%%", usage))
	}
	headers = append(headers, "Jobs", "Successful", "Failed", "Avg Latency", "In Flight")
	values = append(values,
		fmt.Sprintf("%d", run.NumJobs),
		fmt.Sprintf("%d", run.SuccessJobs),
		fmt.Sprintf("%d", run.FailedJobs),
		fmt.Sprintf("%.2f s", run.AvgLatency),
		fmt.Sprintf("%d", run.JobsInFlight),
	)

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	headerCells := make([]interface{}, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	table.Header(headerCells...)
	table.Append(values)
	table.Render()

	rendered := buf.String()
	if d.fits(rendered) {
		return rendered
	}
	return "Screen too small for table display\n"
}

// fits reports whether the rendered table fits the current terminal.
func (d *Dashboard) fits(rendered string) bool {
	if d.Size == nil {
		return true
	}
	cols, rows, err := d.Size()
	if err != nil {
		return true
	}

	lines := strings.Split(strings.TrimRight(rendered, "\n"), "\n")
	if len(lines)+1 > rows {
		return false
	}
	for _, line := range lines {
		if len(line) > cols {
			return false
		}
	}
	return true
}
