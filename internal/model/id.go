package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var taskIDRegex = regexp.MustCompile(`^task_[0-9]{10}_[0-9]{6,}_[0-9a-f]{8}$`)

// IDGenerator issues task instance ids of the form
// task_<unix>_<counter>_<session>. The counter is monotonic for the
// generator's lifetime; the random session suffix separates generators that
// start within the same second, so ids stay unique across scheduler restarts.
type IDGenerator struct {
	mu      sync.Mutex
	counter uint64
	session string
	now     func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return NewIDGeneratorWithClock(time.Now)
}

// NewIDGeneratorWithClock stamps ids with the given clock.
func NewIDGeneratorWithClock(now func() time.Time) *IDGenerator {
	b := make([]byte, 4)
	rand.Read(b)
	return &IDGenerator{now: now, session: hex.EncodeToString(b)}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("task_%010d_%06d_%s", g.now().Unix(), g.counter, g.session)
}

func ValidateTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}

// NewCommandID returns a random identifier for an observer command.
func NewCommandID() string {
	return uuid.NewString()
}
