package stream

import (
	"sync"

	"wildcam/internal/metrics"
	"wildcam/internal/models"
)

// Mailbox is the single-slot handoff between the worker and the display.
// A publish overwrites the previous frame; reads never consume it, so the
// display can redraw the latest frame as often as it likes.
//
// The slot is tagged with a worker generation. Frames from an older
// generation, or with a sequence number not above the current one, are
// rejected so a slow worker that missed its cancellation can never replace
// a newer frame.
type Mailbox struct {
	mu         sync.Mutex
	frame      *models.AnnotatedFrame
	generation uint64
	unread     bool

	published uint64
	dropped   uint64

	notify chan struct{}
}

type MailboxStats struct {
	Generation uint64
	Published  uint64
	Dropped    uint64
	LastSeq    uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Reset empties the slot and accepts only frames of generation gen from now on.
func (m *Mailbox) Reset(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation = gen
	m.frame = nil
	m.unread = false
}

// Publish stores f if it belongs to the current generation and is newer than
// the frame already held. It never blocks.
func (m *Mailbox) Publish(f *models.AnnotatedFrame) bool {
	m.mu.Lock()
	if f.Generation != m.generation {
		m.mu.Unlock()
		return false
	}
	if m.frame != nil && f.Seq <= m.frame.Seq {
		m.mu.Unlock()
		return false
	}

	if m.unread {
		m.dropped++
		metrics.FrameDropped()
	}
	m.frame = f
	m.unread = true
	m.published++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Latest returns the newest frame of the current generation, or nil.
func (m *Mailbox) Latest() *models.AnnotatedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unread = false
	return m.frame
}

// Notify fires at most once per burst of publishes.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notify
}

func (m *Mailbox) Stats() MailboxStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MailboxStats{
		Generation: m.generation,
		Published:  m.published,
		Dropped:    m.dropped,
	}
	if m.frame != nil {
		s.LastSeq = m.frame.Seq
	}
	return s
}
