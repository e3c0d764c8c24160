// Package chatcli is the line-oriented terminal client of murmur. It wires the chat
// session to the feed service, the attachment uploader and the local draft outbox.
package chatcli

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is the parsed command line of murmur-chat.
type Config struct {
	URL    string
	Token  string
	Origin string
	Peer   string

	// UploadURL defaults to the /uploads endpoint next to URL.
	UploadURL string
	// OutboxPath is the SQLite draft outbox. "-" disables it.
	OutboxPath  string
	DraftMaxAge time.Duration

	SendTimeout time.Duration
	AutoRead    bool
	LogLevel    string
}

// ErrHelp is returned by ParseFlags after printing usage.
var ErrHelp = pflag.ErrHelp

// ParseFlags parses args (without the program name). MURMUR_TOKEN and MURMUR_FEED_URL
// provide defaults so tokens stay out of shell history.
func ParseFlags(args []string, stderr io.Writer) (Config, error) {
	var cfg Config

	fs := pflag.NewFlagSet("murmur-chat", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.URL, "url", envOr("MURMUR_FEED_URL", "ws://127.0.0.1:8080/ws"), "feed service websocket URL")
	fs.StringVar(&cfg.Token, "token", os.Getenv("MURMUR_TOKEN"), "bearer token (a user id in dev identity mode)")
	fs.StringVar(&cfg.Origin, "origin", "http://localhost", "Origin header sent on the websocket handshake")
	fs.StringVarP(&cfg.Peer, "peer", "p", "", "open the conversation with this user on start")
	fs.StringVar(&cfg.UploadURL, "upload-url", "", "attachment upload endpoint (default: derived from --url)")
	fs.StringVar(&cfg.OutboxPath, "outbox", defaultOutboxPath(), `draft outbox database ("-" disables)`)
	fs.DurationVar(&cfg.DraftMaxAge, "draft-max-age", 30*24*time.Hour, "drop drafts older than this on start")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", 20*time.Second, "fail a send that is not confirmed in time (10s..30s)")
	fs.BoolVar(&cfg.AutoRead, "auto-read", false, "mark inbound messages read as soon as they are printed")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "debug, info, warn or error")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, `murmur-chat is a terminal client for murmur 1:1 encrypted chat.

Usage:
  murmur-chat [flags]

Type a line to send it. Commands:
%s
Flags:
`, commandHelp)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if strings.TrimSpace(cfg.Token) == "" {
		return Config{}, errors.New("--token or MURMUR_TOKEN is required")
	}
	if cfg.UploadURL == "" {
		u, err := uploadURLFor(cfg.URL)
		if err != nil {
			return Config{}, err
		}
		cfg.UploadURL = u
	}
	return cfg, nil
}

// uploadURLFor maps ws[s]://host/any/path to http[s]://host/uploads.
func uploadURLFor(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", fmt.Errorf("invalid --url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid --url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("invalid --url: missing host")
	}
	u.Path = "/uploads"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func defaultOutboxPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "murmur", "outbox.db")
	}
	return filepath.Join(dir, "murmur", "outbox.db")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
