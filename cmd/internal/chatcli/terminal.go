package chatcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"murmur/cmd/internal/chat"
)

const commandHelp = `  /open <peer>            switch conversation
  /list                   show the conversation, numbered
  /file <path> [text]     send an attachment
  /edit <ref> <text>      edit one of your messages
  /react <ref> <emoji>    toggle a reaction
  /read <ref>             mark an inbound message read
  /retry <temp_id>        resend a failed message
  /drafts                 show failed sends
  /quit                   leave
A <ref> is a number from /list, a message id or a temp id.
`

var errQuit = errors.New("quit")

// session is the part of *chat.Session the terminal drives.
type session interface {
	Self() string
	Peer() string
	Open(ctx context.Context, peerID string) error
	Send(ctx context.Context, text string, upload *chat.Upload) (chat.Message, error)
	Retry(ctx context.Context, tempID string) (chat.Message, error)
	Edit(ctx context.Context, messageID, text string) (chat.Message, error)
	React(ctx context.Context, messageID, emoji string) (bool, error)
	WatchReactions(ctx context.Context, messageID string) error
	MarkVisible(ctx context.Context, messageID string) error
	Messages() []chat.Message
	Drafts() []chat.Draft
}

// Terminal renders session events and executes typed commands.
// It is the session's chat.Listener.
type Terminal struct {
	out      io.Writer
	autoRead bool

	mu   sync.Mutex
	sess session
	ctx  context.Context
}

var _ chat.Listener = (*Terminal)(nil)

// NewTerminal writes to out. Attach must be called before Execute.
func NewTerminal(out io.Writer, autoRead bool) *Terminal {
	return &Terminal{out: out, autoRead: autoRead, ctx: context.Background()}
}

// Attach binds the session. ctx bounds work started from callbacks.
func (t *Terminal) Attach(ctx context.Context, s session) {
	t.mu.Lock()
	t.sess = s
	t.ctx = ctx
	t.mu.Unlock()
}

func (t *Terminal) current() (session, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess, t.ctx
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// Execute runs one input line. It returns errQuit for /quit.
func (t *Terminal) Execute(ctx context.Context, line string) error {
	s, _ := t.current()
	if s == nil {
		return errors.New("no session")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(ctx, line, nil)
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		t.printf("%s", commandHelp)
		return nil
	case "/open":
		if rest == "" {
			return errors.New("usage: /open <peer>")
		}
		return s.Open(ctx, rest)
	case "/list":
		t.list(s)
		return nil
	case "/drafts":
		t.drafts(s)
		return nil
	case "/file":
		path, text, _ := strings.Cut(rest, " ")
		if path == "" {
			return errors.New("usage: /file <path> [text]")
		}
		_, err := s.Send(ctx, strings.TrimSpace(text), fileUpload(path))
		return err
	case "/edit":
		ref, text, _ := strings.Cut(rest, " ")
		if ref == "" || strings.TrimSpace(text) == "" {
			return errors.New("usage: /edit <ref> <text>")
		}
		id, err := resolveRef(s, ref)
		if err != nil {
			return err
		}
		_, err = s.Edit(ctx, id, strings.TrimSpace(text))
		return err
	case "/react":
		ref, emoji, _ := strings.Cut(rest, " ")
		if ref == "" || strings.TrimSpace(emoji) == "" {
			return errors.New("usage: /react <ref> <emoji>")
		}
		id, err := resolveRef(s, ref)
		if err != nil {
			return err
		}
		if err := s.WatchReactions(ctx, id); err != nil {
			return err
		}
		added, err := s.React(ctx, id, strings.TrimSpace(emoji))
		if err != nil {
			return err
		}
		if added {
			t.printf("reacted %s\n", strings.TrimSpace(emoji))
		} else {
			t.printf("removed %s\n", strings.TrimSpace(emoji))
		}
		return nil
	case "/read":
		id, err := resolveRef(s, rest)
		if err != nil {
			return err
		}
		return s.MarkVisible(ctx, id)
	case "/retry":
		if rest == "" {
			return errors.New("usage: /retry <temp_id>")
		}
		_, err := s.Retry(ctx, rest)
		return err
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// resolveRef accepts a 1-based /list index, a durable id or a temp id.
func resolveRef(s session, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" {
		return "", errors.New("missing message reference")
	}
	msgs := s.Messages()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(msgs) {
			return "", fmt.Errorf("no message #%d", n)
		}
		return msgs[n-1].Key(), nil
	}
	for _, m := range msgs {
		if m.ID == ref || m.TempID == ref {
			return m.Key(), nil
		}
	}
	return "", fmt.Errorf("no message %s", ref)
}

// fileUpload keeps the absolute path so a failed send can be retried after a restart.
func fileUpload(path string) *chat.Upload {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &chat.Upload{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Path:     path,
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

func (t *Terminal) list(s session) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		t.printf("(no messages)\n")
		return
	}
	for i, m := range msgs {
		t.printf("%3d %s\n", i+1, t.format(s.Self(), m))
	}
}

func (t *Terminal) drafts(s session) {
	ds := s.Drafts()
	if len(ds) == 0 {
		t.printf("(no failed sends)\n")
		return
	}
	for _, d := range ds {
		t.printf("%s -> %s %q attempts=%d\n", d.TempID, d.PeerID, d.Text, d.Attempts)
	}
}

func (t *Terminal) format(self string, m chat.Message) string {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	var b strings.Builder
	b.WriteString(who)
	b.WriteString(": ")
	b.WriteString(m.DisplayText())
	if m.Attachment != nil {
		fmt.Fprintf(&b, " [%s %s]", m.Attachment.Name, m.Attachment.URL)
	}
	if m.Edited {
		b.WriteString(" (edited)")
	}
	fmt.Fprintf(&b, " <%s>", m.Status)
	if !m.Durable() {
		fmt.Fprintf(&b, " temp=%s", m.TempID)
	}
	return b.String()
}

func (t *Terminal) OnChange(e chat.Event) {
	s, ctx := t.current()
	self := ""
	if s != nil {
		self = s.Self()
	}

	switch e.Kind {
	case chat.EventConversationOpened:
		t.printf("-- conversation with %s\n", e.Peer)
	case chat.EventConversationClosed:
		t.printf("-- closed conversation with %s\n", e.Peer)
	case chat.EventMessageAdded:
		t.printf("%s\n", t.format(self, e.Message))
		if t.autoRead && s != nil && e.Message.Durable() && e.Message.SenderID != self {
			id := e.Message.ID
			go func() {
				if err := s.MarkVisible(ctx, id); err != nil {
					t.OnError(err)
				}
			}()
		}
	case chat.EventMessageUpdated:
		t.printf("~ %s\n", t.format(self, e.Message))
	case chat.EventMessageRemoved:
		t.printf("- %s removed\n", e.MessageID)
	case chat.EventReactionsChanged:
		parts := make([]string, 0, len(e.Reactions))
		for _, r := range e.Reactions {
			parts = append(parts, fmt.Sprintf("%s×%d", r.Emoji, r.Count))
		}
		t.printf("* %s reactions: %s\n", e.MessageID, strings.Join(parts, " "))
	}
}

func (t *Terminal) OnDraftRestored(d chat.Draft) {
	t.printf("! send failed, kept as draft %s (%q). /retry %s\n", d.TempID, d.Text, d.TempID)
}

func (t *Terminal) OnError(err error) {
	t.printf("! %s\n", describe(err))
}

func (t *Terminal) OnConnection(topic string, state chat.ChannelState, err error) {
	if err != nil {
		t.printf("-- %s %s: %v\n", topic, state, err)
		return
	}
	t.printf("-- %s %s\n", topic, state)
}

// describe turns chat errors into the line shown to the user.
func describe(err error) string {
	switch {
	case chat.IsAuthorization(err):
		return "not allowed: " + err.Error()
	case chat.IsTransport(err):
		return "connection problem, retrying: " + err.Error()
	case chat.IsDecryption(err):
		return chat.UndecryptableText
	default:
		return err.Error()
	}
}
