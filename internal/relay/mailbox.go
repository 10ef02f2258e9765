// Package relay passes messages between the coach and client sides of a session.
package relay

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var (
	ErrUnknownAuthor = errors.New("unknown author")
	ErrUnknownSide   = errors.New("unknown recipient side")
	ErrEmptyContent  = errors.New("message content is empty")

	// ErrTooManySessions is returned when a new session would exceed the cap.
	ErrTooManySessions = errors.New("too many relay sessions")
)

// Author identifies who wrote a relayed message.
type Author string

const (
	AuthorCoach  Author = "coach"
	AuthorKI     Author = "ki"
	AuthorKlient Author = "klient"
)

// Side is a recipient mailbox within a session.
type Side string

const (
	SideCoach  Side = "coach"
	SideKlient Side = "klient"
)

// DefaultMaxMessages bounds each mailbox.
const DefaultMaxMessages = 100

// DefaultMaxSessions bounds the number of sessions holding mailboxes.
const DefaultMaxSessions = 1000

// DefaultIdleTimeout is how long a session may go untouched before Sweep
// drops it together with any undelivered messages.
const DefaultIdleTimeout = 30 * time.Minute

// MaxContentRunes caps a relayed message.
const MaxContentRunes = 4000

// ParseAuthor validates an author name.
func ParseAuthor(s string) (Author, error) {
	switch a := Author(strings.ToLower(strings.TrimSpace(s))); a {
	case AuthorCoach, AuthorKI, AuthorKlient:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAuthor, s)
}

// ParseSide validates a recipient side.
func ParseSide(s string) (Side, error) {
	switch side := Side(strings.ToLower(strings.TrimSpace(s))); side {
	case SideCoach, SideKlient:
		return side, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
}

// Recipient returns the side that receives messages written by a.
func (a Author) Recipient() Side {
	if a == AuthorKlient {
		return SideCoach
	}
	return SideKlient
}

// Message is one relayed message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type box struct {
	messages *list.List
	waiters  map[chan struct{}]struct{}
}

type session struct {
	sides   map[Side]*box
	touched time.Time
}

func (s *session) waiting() bool {
	for _, b := range s.sides {
		if len(b.waiters) > 0 {
			return true
		}
	}
	return false
}

// Mailbox holds undelivered messages per session and side, evicting the
// oldest message when a box is full. The number of sessions is capped and
// idle ones are removed by Sweep.
type Mailbox struct {
	clock       Clock
	maxMessages int
	maxSessions int
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewMailbox creates a Mailbox. Non-positive limits select the defaults.
func NewMailbox(maxMessages, maxSessions int, idleTimeout time.Duration) *Mailbox {
	return NewMailboxWithClock(maxMessages, maxSessions, idleTimeout, realClock{})
}

// NewMailboxWithClock creates a Mailbox with a custom clock (for testing).
func NewMailboxWithClock(maxMessages, maxSessions int, idleTimeout time.Duration, clock Clock) *Mailbox {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Mailbox{
		clock:       clock,
		maxMessages: maxMessages,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// boxFor returns the box for side, creating it and its session as needed.
// Must be called with m.mu held.
func (m *Mailbox) boxFor(sessionID string, side Side) (*box, error) {
	now := m.clock.Now()
	sess, ok := m.sessions[sessionID]
	if !ok {
		if len(m.sessions) >= m.maxSessions {
			m.sweepLocked(now)
		}
		if len(m.sessions) >= m.maxSessions {
			return nil, ErrTooManySessions
		}
		sess = &session{sides: make(map[Side]*box)}
		m.sessions[sessionID] = sess
	}
	sess.touched = now

	b, ok := sess.sides[side]
	if !ok {
		b = &box{messages: list.New(), waiters: make(map[chan struct{}]struct{})}
		sess.sides[side] = b
	}
	return b, nil
}

// release drops side's box when it holds nothing and nobody waits on it,
// and the session once it has no boxes left. Must be called with m.mu held.
func (m *Mailbox) release(sessionID string, side Side) {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if b, ok := sess.sides[side]; ok && b.messages.Len() == 0 && len(b.waiters) == 0 {
		delete(sess.sides, side)
	}
	if len(sess.sides) == 0 {
		delete(m.sessions, sessionID)
	}
}

// Post stores a message for the side opposite its author and wakes any
// waiters on that side.
func (m *Mailbox) Post(sessionID string, author Author, content string) (Message, error) {
	if _, err := ParseAuthor(string(author)); err != nil {
		return Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if r := []rune(content); len(r) > MaxContentRunes {
		content = string(r[:MaxContentRunes])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.boxFor(sessionID, author.Recipient())
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Author:    author,
		Content:   content,
		CreatedAt: m.clock.Now(),
	}
	b.messages.PushBack(msg)
	for b.messages.Len() > m.maxMessages {
		b.messages.Remove(b.messages.Front())
	}
	for w := range b.waiters {
		close(w)
		delete(b.waiters, w)
	}
	return msg, nil
}

// Collect returns and removes all undelivered messages for side, oldest first.
func (m *Mailbox) Collect(sessionID string, side Side) ([]Message, error) {
	if _, err := ParseSide(string(side)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return []Message{}, nil
	}
	sess.touched = m.clock.Now()
	b, ok := sess.sides[side]
	if !ok {
		return []Message{}, nil
	}

	out := make([]Message, 0, b.messages.Len())
	for e := b.messages.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Message))
	}
	b.messages.Init()
	m.release(sessionID, side)
	return out, nil
}

// Pending returns the number of undelivered messages for side.
func (m *Mailbox) Pending(sessionID string, side Side) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		if b, ok := sess.sides[side]; ok {
			return b.messages.Len()
		}
	}
	return 0
}

// Wait blocks until side has undelivered messages or ctx is done. It
// returns immediately when messages are already pending.
func (m *Mailbox) Wait(ctx context.Context, sessionID string, side Side) error {
	ch := make(chan struct{})

	m.mu.Lock()
	b, err := m.boxFor(sessionID, side)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if b.messages.Len() > 0 {
		m.mu.Unlock()
		return nil
	}
	b.waiters[ch] = struct{}{}
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(b.waiters, ch)
		m.release(sessionID, side)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Sessions returns the number of sessions holding mailboxes.
func (m *Mailbox) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops sessions that nobody waits on and that have not been posted
// to or read from within the idle timeout. It returns how many went.
func (m *Mailbox) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.clock.Now())
}

func (m *Mailbox) sweepLocked(now time.Time) int {
	removed := 0
	for id, sess := range m.sessions {
		if now.Sub(sess.touched) >= m.idleTimeout && !sess.waiting() {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions once per idle timeout until ctx is cancelled.
func (m *Mailbox) Run(ctx context.Context) {
	ticker := time.NewTicker(m.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
