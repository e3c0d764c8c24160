package chatcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"murmur/cmd/internal/chat"
	"murmur/cmd/internal/clock"
	"murmur/cmd/internal/feedclient"
	"murmur/cmd/internal/outbox"
	"murmur/cmd/internal/upload"
	"murmur/cmd/security/chatcrypto"
)

// Run connects, restores drafts and executes input lines until /quit, EOF or ctx ends.
func Run(ctx context.Context, cfg Config, in io.Reader, out, errOut io.Writer) error {
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	kcfg, err := chatcrypto.FromEnv()
	if err != nil {
		return err
	}
	keys, err := chatcrypto.NewDeriver(kcfg)
	if err != nil {
		return err
	}

	client, err := feedclient.Dial(ctx, feedclient.Options{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Origin: cfg.Origin,
		Log:    log,
	})
	if err != nil {
		if feedclient.IsForbidden(err) {
			return fmt.Errorf("sign-in refused: %w", err)
		}
		return err
	}
	defer func() { _ = client.Close() }()
	self := client.UserID()

	term := NewTerminal(out, cfg.AutoRead)
	deps := chat.Deps{
		Backend:  client,
		Feed:     client,
		Keys:     keys,
		Uploader: upload.NewHTTPUploader(cfg.UploadURL, cfg.Token),
		Clock:    clock.Real(),
		Log:      log,
		Listener: term,
	}

	if cfg.OutboxPath != "-" && cfg.OutboxPath != "" {
		drafts, err := outbox.Open(cfg.OutboxPath, self)
		if err != nil {
			return err
		}
		defer func() { _ = drafts.Close() }()
		deps.Drafts = drafts
		reportDrafts(ctx, term, drafts, cfg.DraftMaxAge)
	}

	sess, err := chat.New(self, deps, chat.Options{SendTimeout: cfg.SendTimeout})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(closeCtx)
	}()
	term.Attach(ctx, sess)

	term.printf("signed in as %s. /help lists commands.\n", self)
	if cfg.Peer != "" {
		if err := sess.Open(ctx, cfg.Peer); err != nil {
			term.OnError(err)
		}
	}

	return loop(ctx, term, in)
}

func loop(ctx context.Context, term *Terminal, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := term.Execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				term.OnError(err)
			}
		}
	}
}

// reportDrafts prunes stale drafts and lists what is left, by peer.
func reportDrafts(ctx context.Context, term *Terminal, drafts *outbox.Store, maxAge time.Duration) {
	if maxAge > 0 {
		if n, err := drafts.Prune(ctx, time.Now().Add(-maxAge)); err == nil && n > 0 {
			term.printf("dropped %d stale drafts\n", n)
		}
	}
	all, err := drafts.All(ctx)
	if err != nil || len(all) == 0 {
		return
	}
	byPeer := make(map[string]int)
	var peers []string
	for _, d := range all {
		if byPeer[d.PeerID] == 0 {
			peers = append(peers, d.PeerID)
		}
		byPeer[d.PeerID]++
	}
	parts := make([]string, 0, len(peers))
	for _, p := range peers {
		parts = append(parts, fmt.Sprintf("%s (%d)", p, byPeer[p]))
	}
	term.printf("unsent drafts for: %s. /open the peer, then /drafts and /retry.\n", strings.Join(parts, ", "))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn
	}
	return l
}

// Main is the murmur-chat entrypoint. It returns the process exit code.
func Main(ctx context.Context, args []string) int {
	cfg, err := ParseFlags(args, os.Stderr)
	if errors.Is(err, ErrHelp) {
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if err := Run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
