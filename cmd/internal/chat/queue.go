package chat

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/clock"
	v1 "murmur/shared/contracts/feed/v1"
)

// Upload is an attachment to send. Open is called once per upload attempt; when it is nil
// the file at Path is read. Only uploads with a Path can be redone after a restart.
type Upload struct {
	Name     string
	MimeType string
	Path     string
	Open     func() (io.ReadCloser, error)
}

func (u *Upload) open() (io.ReadCloser, error) {
	if u.Open != nil {
		return u.Open()
	}
	return os.Open(u.Path)
}

// DraftUpload is the persisted source of an attachment that was never uploaded.
type DraftUpload struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Draft is the user input of a send that has not been confirmed.
type Draft struct {
	TempID     string
	PeerID     string
	Text       string
	Attachment *v1.Attachment
	// Upload is set while Attachment is nil and the send carried a file.
	Upload    *DraftUpload
	Attempts  int
	UpdatedAt time.Time
}

type pendingState uint8

const (
	pendingInFlight pendingState = iota + 1
	pendingFailed
)

// pendingSend is one logical send, kept until the store confirms it or the user discards it.
type pendingSend struct {
	tempID     string
	peerID     string
	text       string
	upload     *Upload
	attachment *v1.Attachment
	attempts   int
	state      pendingState

	// lostUpload names a restored attachment whose file cannot be read again.
	lostUpload *DraftUpload

	// drafted is set once the draft was handed to the DraftStore.
	drafted bool

	cancel context.CancelFunc
	timer  clock.Timer
}

func (p *pendingSend) draft(now time.Time) Draft {
	d := Draft{
		TempID:     p.tempID,
		PeerID:     p.peerID,
		Text:       p.text,
		Attachment: p.attachment,
		Attempts:   p.attempts,
		UpdatedAt:  now,
	}
	if p.attachment == nil {
		switch {
		case p.upload != nil:
			d.Upload = &DraftUpload{Name: p.upload.Name, MimeType: p.upload.MimeType, Path: p.upload.Path}
		case p.lostUpload != nil:
			cp := *p.lostUpload
			d.Upload = &cp
		}
	}
	return d
}

// sendable reports whether another attempt can produce a non-empty message.
func (p *pendingSend) sendable() bool {
	return strings.TrimSpace(p.text) != "" || p.attachment != nil || p.upload != nil
}

// OptimisticQueue ties locally created messages to their eventual durable rows by temp id.
// A temp id is minted once per logical send and reused only by Retry of that same send.
type OptimisticQueue struct {
	mu      sync.Mutex
	entries map[string]*pendingSend
}

// NewOptimisticQueue returns an empty queue.
func NewOptimisticQueue() *OptimisticQueue {
	return &OptimisticQueue{entries: make(map[string]*pendingSend)}
}

// Begin registers a new in-flight send under a fresh temp id.
func (q *OptimisticQueue) Begin(peerID, text string, upload *Upload) string {
	p := &pendingSend{
		tempID:   ids.NewTempID(),
		peerID:   peerID,
		text:     text,
		upload:   upload,
		attempts: 1,
		state:    pendingInFlight,
	}
	q.mu.Lock()
	q.entries[p.tempID] = p
	q.mu.Unlock()
	return p.tempID
}

// Restore re-registers a draft persisted by an earlier run as a failed send.
func (q *OptimisticQueue) Restore(d Draft) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[d.TempID]; ok {
		return
	}
	p := &pendingSend{
		tempID:     d.TempID,
		peerID:     d.PeerID,
		text:       d.Text,
		attachment: d.Attachment,
		attempts:   d.Attempts,
		state:      pendingFailed,
		drafted:    true,
	}
	if d.Attachment == nil && d.Upload != nil {
		if strings.TrimSpace(d.Upload.Path) != "" {
			p.upload = &Upload{Name: d.Upload.Name, MimeType: d.Upload.MimeType, Path: d.Upload.Path}
		} else {
			cp := *d.Upload
			p.lostUpload = &cp
		}
	}
	q.entries[d.TempID] = p
}

// Arm attaches the cancel handle and timeout timer of the current attempt.
func (q *OptimisticQueue) Arm(tempID string, cancel context.CancelFunc, timer clock.Timer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil || p.state != pendingInFlight {
		return false
	}
	p.cancel, p.timer = cancel, timer
	return true
}

// SetAttachment records the uploaded attachment so retries do not upload again.
func (q *OptimisticQueue) SetAttachment(tempID string, a v1.Attachment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p := q.entries[tempID]; p != nil {
		p.attachment = &a
	}
}

// Fail moves an in-flight send to failed. It reports false if the send was not in flight.
func (q *OptimisticQueue) Fail(tempID string, now time.Time) (Draft, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil || p.state != pendingInFlight {
		return Draft{}, false
	}
	p.state = pendingFailed
	p.drafted = true
	p.disarm()
	return p.draft(now), true
}

// Resolve drops the entry once a durable row exists. drafted reports a send whose draft
// was persisted by an earlier failure.
func (q *OptimisticQueue) Resolve(tempID string) (found, drafted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil {
		return false, false
	}
	delete(q.entries, tempID)
	p.disarm()
	return true, p.drafted
}

// Retry moves a failed send back in flight, keeping its temp id.
func (q *OptimisticQueue) Retry(tempID string) (pendingSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil {
		return pendingSend{}, opError("chat.Retry", ErrValidation, tempID, ErrUnknownMessage)
	}
	if p.state != pendingFailed {
		return pendingSend{}, opError("chat.Retry", ErrValidation, "send still in flight", ErrIllegalTransition)
	}
	if !p.sendable() {
		return pendingSend{}, opError("chat.Retry", ErrValidation, "attachment file is no longer available", ErrUploadLost)
	}
	p.state = pendingInFlight
	p.attempts++
	return p.copy(), nil
}

// Discard forgets a send. An in-flight attempt is cancelled.
func (q *OptimisticQueue) Discard(tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil {
		return false
	}
	delete(q.entries, tempID)
	p.disarm()
	return true
}

// Get returns a copy of the entry.
func (q *OptimisticQueue) Get(tempID string) (pendingSend, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.entries[tempID]
	if p == nil {
		return pendingSend{}, false
	}
	return p.copy(), true
}

// Failed lists failed sends addressed to peerID.
func (q *OptimisticQueue) Failed(peerID string, now time.Time) []Draft {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Draft
	for _, p := range q.entries {
		if p.state == pendingFailed && p.peerID == peerID {
			out = append(out, p.draft(now))
		}
	}
	return out
}

// Len returns the number of tracked sends.
func (q *OptimisticQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (p *pendingSend) disarm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *pendingSend) copy() pendingSend {
	c := *p
	c.cancel, c.timer = nil, nil
	return c
}
