package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/session"
)

// Console is a plain text session.View. The session calls it from its loop while the command
// reader prints from another goroutine, so every write holds mu.
type Console struct {
	mu        sync.Mutex
	out       io.Writer
	remaining time.Duration
	counting  bool
	lastShown time.Duration

	leaveOnce sync.Once
	left      chan struct{}
}

// NewConsole writes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, left: make(chan struct{})}
}

func (c *Console) Render(state session.State, exam *model.ExamDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "== %s ==\n", session.Describe(state))

	switch st := state.(type) {
	case session.Active:
		if exam != nil {
			c.printExamLocked(exam)
		}
	case session.Submitted:
		c.counting = false
		if st.Result.TotalQuestions != nil {
			fmt.Fprintf(c.out, "Total soal: %d\n", *st.Result.TotalQuestions)
		}
		if st.Result.Score != nil {
			fmt.Fprintf(c.out, "Nilai: %.2f\n", *st.Result.Score)
		}
	case session.Terminated:
		c.counting = false
	}
}

func (c *Console) printExamLocked(exam *model.ExamDefinition) {
	fmt.Fprintf(c.out, "%s (%d menit)\n", exam.Title, exam.DurationMinutes)
	n := 0
	for _, sec := range exam.Sections {
		fmt.Fprintf(c.out, "\n## %s\n", sec.Title)
		for _, q := range sec.Questions {
			n++
			c.printQuestionLocked(n, q)
		}
	}
	if len(exam.UngroupedQuestions) > 0 && len(exam.Sections) > 0 {
		fmt.Fprintln(c.out, "\n## Lainnya")
	}
	for _, q := range exam.UngroupedQuestions {
		n++
		c.printQuestionLocked(n, q)
	}
	fmt.Fprintln(c.out)
}

func (c *Console) printQuestionLocked(n int, q model.Question) {
	mark := ""
	if q.Required {
		mark = " *"
	}
	fmt.Fprintf(c.out, "%d. [%s]%s %s\n", n, q.ID, mark, q.Text)
	if q.Type == model.QuestionTypeCheckboxes {
		fmt.Fprintln(c.out, "   (boleh lebih dari satu, pisahkan dengan |)")
	}
	for i, opt := range q.Options {
		fmt.Fprintf(c.out, "   %c) %s\n", 'a'+i, opt)
	}
}

// Countdown prints on every minute boundary, every second of the last ten and once when
// overtime starts.
func (c *Console) Countdown(remaining time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.counting
	c.counting = true
	c.remaining = remaining

	var show bool
	switch {
	case first:
		show = true
	case remaining <= 0:
		show = c.lastShown > 0
	default:
		show = remaining <= 10*time.Second ||
			remaining.Truncate(time.Minute) != c.lastShown.Truncate(time.Minute)
	}
	if show {
		c.lastShown = remaining
		fmt.Fprintf(c.out, "Sisa waktu %s\n", formatRemaining(remaining))
	}
}

func (c *Console) Notify(n session.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s\n", strings.ToUpper(string(n.Level)), n.Message)
}

func (c *Console) Leave() {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		fmt.Fprintln(c.out, "Anda telah keluar dari halaman ujian.")
		c.mu.Unlock()
		close(c.left)
	})
}

// Left is closed once the session navigated away.
func (c *Console) Left() <-chan struct{} {
	return c.left
}

// Remaining returns the last countdown value and whether a countdown is running.
func (c *Console) Remaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.counting
}

// Printf writes a line for the command reader.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func formatRemaining(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%s%02d:%02d", sign, int(d/time.Minute), int(d%time.Minute/time.Second))
}
