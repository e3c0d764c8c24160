package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"

	defaultLogWidth = 100
	minLogWidth     = 40

	ellipsis = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s in runes, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// terminalWidth prefers MURMUR_LOG_WIDTH, then COLUMNS. Values below minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"MURMUR_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < minLogWidth {
			return defaultLogWidth
		}
		return n
	}
	return defaultLogWidth
}

// wrapSegments packs segments into lines no wider than width. Continuation lines start
// with indent; a segment that cannot fit on its own line is truncated.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	var (
		lines []string
		cur   strings.Builder
		n     int
	)
	for _, seg := range segs {
		prefix := ""
		if len(lines) > 0 {
			prefix = indent
		}
		if n > 0 && n+visualLen(sep)+visualLen(seg) <= width {
			cur.WriteString(sep)
			cur.WriteString(seg)
			n += visualLen(sep) + visualLen(seg)
			continue
		}
		if n > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
			prefix = indent
		}
		if room := width - visualLen(prefix); visualLen(seg) > room {
			seg = truncateVisual(seg, room)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		n = visualLen(prefix) + visualLen(seg)
	}
	if n > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// truncateVisual cuts s to width runes including the ellipsis. Color codes are dropped.
func truncateVisual(s string, width int) string {
	plain := []rune(stripANSI(s))
	if width <= 1 {
		return ellipsis
	}
	if len(plain) <= width {
		return string(plain)
	}
	return string(plain[:width-1]) + ellipsis
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET", "HEAD":
		return paint(m, ansiBlue, color)
	case "POST":
		return paint(m, ansiGreen, color)
	case "PUT", "PATCH":
		return paint(m, ansiYellow, color)
	case "DELETE":
		return paint(m, ansiRed, color)
	default:
		return paint(m, ansiMagenta, color)
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(code), color)
}

func colorizeStatusClass(class string, color bool) string {
	if class == "" {
		return `""`
	}
	code := 0
	switch class[0] {
	case '2':
		code = 200
	case '3':
		code = 300
	case '4':
		code = 400
	case '5':
		code = 500
	}
	if code == 0 {
		return quoteIfNeeded(class)
	}
	return paint(class, statusColor(code), color)
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return quoteIfNeeded(result)
	}
}
