package chat

import (
	"time"

	v1 "murmur/shared/contracts/feed/v1"
)

// UndecryptableText is shown in place of a body that failed authentication.
const UndecryptableText = "message could not be decrypted"

// Message is the client view of one message in the open conversation.
type Message struct {
	ID         string
	TempID     string
	SenderID   string
	ReceiverID string
	Text       string
	// DecryptErr is set when the body could not be decrypted. Text is then empty.
	DecryptErr error
	Attachment *v1.Attachment
	Status     Status
	IsRead     bool
	Edited     bool
	EditedAt   *time.Time
	CreatedAt  time.Time
}

// Durable reports whether the store has confirmed the message.
func (m Message) Durable() bool { return m.ID != "" }

// Key identifies the message in the visible list: the durable id once known, else the temp id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// DisplayText is the body to render.
func (m Message) DisplayText() string {
	if m.DecryptErr != nil {
		return UndecryptableText
	}
	return m.Text
}

// decodeFunc opens a ciphertext with the conversation key.
type decodeFunc func(v1.Ciphertext) (string, error)

// messageList is the ordered visible list of one conversation.
// Durable messages are ordered by (CreatedAt, ID); pending sends stay at the tail.
type messageList struct {
	items  []*Message
	byID   map[string]*Message
	byTemp map[string]*Message
}

func newMessageList() *messageList {
	return &messageList{
		byID:   make(map[string]*Message),
		byTemp: make(map[string]*Message),
	}
}

func (l *messageList) len() int { return len(l.items) }

func (l *messageList) get(id string) *Message { return l.byID[id] }

func (l *messageList) getTemp(tempID string) *Message { return l.byTemp[tempID] }

func (l *messageList) snapshot() []Message {
	out := make([]Message, len(l.items))
	for i, m := range l.items {
		out[i] = *m
	}
	return out
}

// appendPending adds an optimistic send at the tail.
func (l *messageList) appendPending(m Message) *Message {
	p := &m
	l.items = append(l.items, p)
	if m.TempID != "" {
		l.byTemp[m.TempID] = p
	}
	return p
}

// remove drops the entry with the given key (durable id or temp id).
func (l *messageList) remove(key string) bool {
	m := l.byID[key]
	if m == nil {
		m = l.byTemp[key]
	}
	if m == nil {
		return false
	}
	for i, it := range l.items {
		if it == m {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	delete(l.byID, m.ID)
	if m.TempID != "" && l.byTemp[m.TempID] == m {
		delete(l.byTemp, m.TempID)
	}
	return true
}

type reconcileResult uint8

const (
	reconcileNoop reconcileResult = iota
	reconcileAdded
	reconcileUpdated
)

// reconcile applies an authoritative row. It is idempotent: applying the same row twice
// leaves exactly one entry with that id and reports reconcileNoop the second time.
func (l *messageList) reconcile(rec v1.MessageRecord, decode decodeFunc) (Message, reconcileResult) {
	return l.apply(rec, decode, true)
}

// merge is reconcile for updates: a row with no entry in the list is ignored, so status
// and edit writes on messages outside the loaded window do not surface them.
func (l *messageList) merge(rec v1.MessageRecord, decode decodeFunc) (Message, reconcileResult) {
	return l.apply(rec, decode, false)
}

func (l *messageList) apply(rec v1.MessageRecord, decode decodeFunc, insert bool) (Message, reconcileResult) {
	remote, err := ParseStatus(rec.Status)
	if err != nil {
		return Message{}, reconcileNoop
	}

	if m := l.byID[rec.ID]; m != nil {
		if mergeRecord(m, rec, remote, decode) {
			return *m, reconcileUpdated
		}
		return *m, reconcileNoop
	}

	// Optimistic send confirmed: same tempId from the same sender. Never matched by content.
	if rec.TempID != "" {
		if m := l.byTemp[rec.TempID]; m != nil && m.ID == "" && m.SenderID == rec.SenderID {
			m.ID = rec.ID
			m.CreatedAt = rec.CreatedAt
			m.Attachment = rec.Attachment
			m.Status = Merge(m.Status, remote)
			m.IsRead = rec.IsRead
			if rec.Edited {
				applyContent(m, rec, decode)
			}
			l.byID[rec.ID] = m
			l.reposition(m)
			return *m, reconcileUpdated
		}
	}
	if !insert {
		return Message{}, reconcileNoop
	}

	m := &Message{
		ID:         rec.ID,
		TempID:     rec.TempID,
		SenderID:   rec.SenderID,
		ReceiverID: rec.ReceiverID,
		Attachment: rec.Attachment,
		Status:     remote,
		IsRead:     rec.IsRead,
		CreatedAt:  rec.CreatedAt,
	}
	applyContent(m, rec, decode)
	l.insertDurable(m)
	return *m, reconcileAdded
}

// mergeRecord folds rec into an existing durable entry and reports whether anything changed.
func mergeRecord(m *Message, rec v1.MessageRecord, remote Status, decode decodeFunc) bool {
	changed := false
	if next := Merge(m.Status, remote); next != m.Status {
		m.Status = next
		changed = true
	}
	if rec.IsRead && !m.IsRead {
		m.IsRead = true
		changed = true
	}
	if newerEdit(m, rec) {
		applyContent(m, rec, decode)
		changed = true
	}
	return changed
}

func applyContent(m *Message, rec v1.MessageRecord, decode decodeFunc) {
	text, err := decode(rec.Ciphertext)
	if err != nil {
		m.Text, m.DecryptErr = "", err
	} else {
		m.Text, m.DecryptErr = text, nil
	}
	if rec.Edited {
		m.Edited = true
		if rec.EditedAt != nil {
			t := *rec.EditedAt
			m.EditedAt = &t
		}
	}
}

func (l *messageList) insertDurable(m *Message) {
	l.byID[m.ID] = m
	if m.TempID != "" {
		if _, taken := l.byTemp[m.TempID]; !taken {
			l.byTemp[m.TempID] = m
		}
	}
	l.items = append(l.items, m)
	l.reposition(m)
}

// reposition moves a durable entry backwards past pending entries and newer durable ones.
func (l *messageList) reposition(m *Message) {
	i := len(l.items) - 1
	for i >= 0 && l.items[i] != m {
		i--
	}
	for i > 0 {
		prev := l.items[i-1]
		if prev.ID != "" && !durableAfter(prev, m) {
			break
		}
		l.items[i-1], l.items[i] = m, prev
		i--
	}
}

func durableAfter(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
