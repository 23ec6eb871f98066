// Package notify delivers user-visible notices: one-off warnings such as a
// store reset after corruption, and fatal errors shown before the process exits.
package notify

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"
)

// Level is the severity of a notice
type Level int

const (
	Info Level = iota
	Warning
	Fatal
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Notice is a message meant for the user, not the log
type Notice struct {
	Level   Level
	Title   string
	Message string
	Detail  string
}

// Notifier shows notices. Notify returns once the notice has been presented.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to Notifier
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice
var Discard Notifier = Func(func(Notice) {})

// Console writes notices to a terminal
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a Console writing to out, or stderr when out is nil
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out}
}

func (c *Console) Notify(n Notice) {
	var marker string
	switch n.Level {
	case Fatal:
		marker = color.RedString("✗")
	case Warning:
		marker = color.YellowString("!")
	default:
		marker = color.GreenString("✓")
	}

	msg := marker + " " + n.Title
	if n.Message != "" {
		msg += "\n" + color.CyanString("→") + " " + n.Message
	}
	if n.Detail != "" {
		msg += "\n" + color.CyanString("→") + " " + n.Detail
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, msg)
}

var printer = message.NewPrinter(language.English)

// Bytes renders a byte count for people, with digit grouping
func Bytes(n int64) string {
	return printer.Sprintf("%d bytes", n)
}

// Throttled forwards at most one notice per interval, dropping the rest.
// Fatal notices always pass.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled wraps next with a limit of one notice per interval
func NewThrottled(next Notifier, interval time.Duration) *Throttled {
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (t *Throttled) Notify(n Notice) {
	if n.Level != Fatal && !t.limiter.Allow() {
		return
	}
	t.next.Notify(n)
}
