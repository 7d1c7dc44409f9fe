package utils

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgRed, color.FgWhite, color.FgMagenta}
var index = -1

var l sync.Mutex

const MaxNameLength = 20

// ColorLogger provides an io.Writer that can output in color.
type ColorLogger struct {
	name   string
	writer io.Writer
	c      color.Attribute
	mu     *sync.Mutex
}

// NewColorLogger prefixes every write with name. Loggers created with
// newColor set pick the next color of the palette; the others reuse the
// current one so that a job's stdout and stderr share a color.
func NewColorLogger(name string, writer io.Writer, newColor bool) io.Writer {
	l.Lock()
	defer l.Unlock()
	if newColor || index < 0 {
		index = (index + 1) % len(colors)
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      colors[index],
		mu:     new(sync.Mutex),
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := color.New(c.c)
	if _, err := out.Fprint(c.writer, c.name, " | "); err != nil {
		return 0, err
	}
	if _, err := out.Fprintf(c.writer, "%s", p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewLogger returns the structured logger used by the pipeline stages.
func NewLogger(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "dotci",
	})
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}
