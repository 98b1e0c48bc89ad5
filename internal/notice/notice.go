// internal/notice/notice.go
package notice

import (
	"sync"
	"time"
)

// DefaultTTL is how long a notice stays visible.
const DefaultTTL = 3 * time.Second

type Level string

const (
	LevelError Level = "error"
	LevelInfo  Level = "info"
)

type Notice struct {
	ID       int       `json:"id"`
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	PostedAt time.Time `json:"postedAt"`
}

// Notifier accepts transient user-facing messages.
type Notifier interface {
	Error(msg string)
	Info(msg string)
}

// Board keeps the notices currently on screen and drops each one after its
// TTL elapses.
type Board struct {
	mu     sync.Mutex
	ttl    time.Duration
	nextID int
	posted int
	active []Notice
}

func NewBoard(ttl time.Duration) *Board {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Board{ttl: ttl}
}

func (b *Board) Error(msg string) { b.post(LevelError, msg) }
func (b *Board) Info(msg string)  { b.post(LevelInfo, msg) }

func (b *Board) post(level Level, msg string) {
	b.mu.Lock()
	b.nextID++
	b.posted++
	n := Notice{ID: b.nextID, Level: level, Message: msg, PostedAt: time.Now()}
	b.active = append(b.active, n)
	b.mu.Unlock()

	time.AfterFunc(b.ttl, func() { b.Dismiss(n.ID) })
}

// Dismiss removes a notice early. Unknown ids are ignored.
func (b *Board) Dismiss(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.active {
		if n.ID == id {
			b.active = append(b.active[:i], b.active[i+1:]...)
			return
		}
	}
}

// Active returns the notices still visible, oldest first.
func (b *Board) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Notice, len(b.active))
	copy(out, b.active)
	return out
}

// Posted counts every notice ever shown, dismissed or not.
func (b *Board) Posted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posted
}
