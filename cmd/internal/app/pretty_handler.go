package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one key=value line per record for local development.
// With color on, long lines wrap at the terminal width.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []string
	prefix string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := make([]string, 0, 4+len(h.attrs)+r.NumAttrs())
	segs = append(segs, "ts="+paint(ts.Format("15:04:05.000"), ansiDim, h.color)+
		" lvl="+levelTag(r.Level, h.color)+
		" msg="+paint(r.Message, ansiBright, h.color))
	segs = append(segs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, h.prefix, a)
		return true
	})
	if src := h.source(r.PC); src != "" {
		segs = append(segs, "src="+paint(src, ansiDim, h.color))
	}

	var out string
	if h.color {
		out = strings.Join(wrapSegments(segs, " ", h.terminalWidth(), "    "), "\n") + "\n"
	} else {
		out = strings.Join(segs, " ") + "\n"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

// WithAttrs renders attrs once; they are reused verbatim by every record.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = cp.appendAttr(cp.attrs, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) source(pc uintptr) string {
	if !h.opts.AddSource || pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

func (h *prettyHandler) appendAttr(segs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return segs
	}

	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if key != "" {
			sub = prefix + key + "."
		}
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, sub, ga)
		}
		return segs
	}

	if alias, ok := keyAliases[key]; ok && prefix == "" {
		key = alias
	}
	return append(segs, prefix+key+"="+h.styleValue(a.Key, a.Value))
}

// keyAliases shortens the request log keys that get unit-aware rendering.
var keyAliases = map[string]string{
	"status_class": "class",
	"duration_ms":  "duration",
}

type valueStyle func(v slog.Value, color bool) string

func fixed(code string) valueStyle {
	return func(v slog.Value, color bool) string {
		return paint(quoteIfNeeded(valueToString(v)), code, color)
	}
}

// keyStyles colors the keys murmur logs most: request fields, identities and topics.
var keyStyles = map[string]valueStyle{
	"method": func(v slog.Value, color bool) string {
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), color)
	},
	"status": func(v slog.Value, color bool) string {
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), color)
		}
		return quoteIfNeeded(valueToString(v))
	},
	"status_class": func(v slog.Value, color bool) string {
		return colorizeStatusClass(strings.TrimSpace(v.String()), color)
	},
	"duration_ms": func(v slog.Value, color bool) string {
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, color)
		}
		return quoteIfNeeded(valueToString(v))
	},
	"result": func(v slog.Value, color bool) string {
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color)
	},
	"err": fixed(ansiRed),

	"path":    fixed(ansiCyan),
	"topic":   fixed(ansiCyan),
	"channel": fixed(ansiCyan),
	"subject": fixed(ansiCyan),

	"user":    fixed(ansiMagenta),
	"user_id": fixed(ansiMagenta),
	"peer":    fixed(ansiMagenta),

	"message_id": fixed(ansiDim),
	"temp_id":    fixed(ansiDim),
	"session_id": fixed(ansiDim),
}

func (h *prettyHandler) styleValue(key string, v slog.Value) string {
	if style, ok := keyStyles[key]; ok {
		return style(v, h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

var levelTags = []struct {
	min  slog.Level
	tag  string
	code string
}{
	{slog.LevelError, "[ERROR]", ansiRed},
	{slog.LevelWarn, "[WARN]", ansiYellow},
	{slog.LevelInfo, "[INFO]", ansiBlue},
}

func levelTag(level slog.Level, color bool) string {
	for _, lt := range levelTags {
		if level >= lt.min {
			return paint(lt.tag, lt.code, color)
		}
	}
	return paint("[DEBUG]", ansiMagenta, color)
}
