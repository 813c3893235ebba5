package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Log formats accepted by --log-format.
const (
	logFormatConsole = "console"
	logFormatText    = "text"
	logFormatJSON    = "json"
)

func setupLogger(format string, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case logFormatConsole, "":
		handler = newConsoleHandler(os.Stderr, level)
	case logFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case logFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want console, text or json)", format)
	}
	return slog.New(handler), nil
}

// levelStyle is the label and color printed for a level band.
type levelStyle struct {
	min   slog.Level
	label string
	color *color.Color
}

// Highest band first.
var levelStyles = []levelStyle{
	{slog.LevelError, "ERROR", color.New(color.FgRed, color.Bold)},
	{slog.LevelWarn, "WARN", color.New(color.FgYellow)},
	{slog.LevelInfo, "INFO", color.New(color.FgGreen)},
	{slog.LevelDebug, "DEBUG", color.New(color.FgBlue)},
}

func styleFor(l slog.Level) levelStyle {
	for _, s := range levelStyles {
		if l >= s.min {
			return s
		}
	}
	return levelStyles[len(levelStyles)-1]
}

// consoleHandler prints one line per record for an operator watching the
// agent in a terminal:
//
//	2026-03-01 15:04:05 [INFO ] [reporter] batch sent size=12 batch_id=...
//
// The component attribute set by each package is hoisted into the bracket
// prefix. Colors are dropped when stderr is not a terminal (color.NoColor).
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Level
	component string
	prefix    string // pre-rendered WithAttrs fields
	group     string // dotted group path, with trailing dot
}

func newConsoleHandler(out io.Writer, level slog.Level) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	style := styleFor(r.Level)

	var b strings.Builder
	b.WriteString(color.HiBlackString(r.Time.Format("2006-01-02 15:04:05")))
	b.WriteString(" [")
	b.WriteString(style.color.Sprintf("%-5s", style.label))
	b.WriteString("] ")

	component := h.component
	var fields strings.Builder
	fields.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && h.group == "" {
			component = a.Value.String()
			return true
		}
		appendField(&fields, h.group, a)
		return true
	})

	if component != "" {
		b.WriteString(color.CyanString("[" + component + "] "))
	}
	b.WriteString(r.Message)
	b.WriteString(fields.String())
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// appendField writes " key=value", flattening groups into dotted keys.
func appendField(b *strings.Builder, group string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	if v.Kind() == slog.KindGroup {
		sub := group
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, ga := range v.Group() {
			appendField(b, sub, ga)
		}
		return
	}

	b.WriteString(color.HiBlackString(" " + group + a.Key + "="))
	s := formatValue(v)
	if a.Key == "error" || a.Key == "err" {
		s = color.RedString(s)
	}
	b.WriteString(s)
}

// formatValue quotes strings an operator could misread as several fields.
func formatValue(v slog.Value) string {
	s := v.String()
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		if a.Key == "component" && h.group == "" {
			next.component = a.Value.String()
			continue
		}
		appendField(&b, h.group, a)
	}
	next.prefix = b.String()
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}
