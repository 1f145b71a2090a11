package model

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIDGenerator_Next(t *testing.T) {
	fixed := time.Unix(1771722000, 0)
	g := NewIDGeneratorWithClock(func() time.Time { return fixed })

	first := g.Next()
	second := g.Next()

	if !strings.HasPrefix(first, "task_1771722000_000001_") {
		t.Errorf("first id: got %q", first)
	}
	if !strings.HasPrefix(second, "task_1771722000_000002_") {
		t.Errorf("second id: got %q", second)
	}
	if !ValidateTaskID(first) || !ValidateTaskID(second) {
		t.Errorf("generated ids do not validate: %q %q", first, second)
	}
}

func TestIDGenerator_RestartInSameSecond(t *testing.T) {
	fixed := time.Unix(1760000000, 0)
	clock := func() time.Time { return fixed }
	before := NewIDGeneratorWithClock(clock)
	after := NewIDGeneratorWithClock(clock)

	issued := make(map[string]bool)
	for i := 0; i < 100; i++ {
		issued[before.Next()] = true
	}
	for i := 0; i < 100; i++ {
		id := after.Next()
		if issued[id] {
			t.Fatalf("restarted generator reissued %s", id)
		}
	}
}

func TestIDGenerator_Uniqueness(t *testing.T) {
	g := NewIDGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestIDGenerator_Sortable(t *testing.T) {
	g := NewIDGeneratorWithClock(func() time.Time { return time.Unix(1771722000, 0) })
	prev := g.Next()
	for i := 0; i < 50; i++ {
		next := g.Next()
		if next <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestValidateTaskID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"valid", "task_1771722000_000001_0a1b2c3d", true},
		{"long counter", "task_1771722000_1234567_0a1b2c3d", true},
		{"missing session", "task_1771722000_000001", false},
		{"uppercase session", "task_1771722000_000001_0A1B2C3D", false},
		{"short timestamp", "task_177172200_000001_0a1b2c3d", false},
		{"short counter", "task_1771722000_01_0a1b2c3d", false},
		{"wrong prefix", "cmd_1771722000_000001_0a1b2c3d", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateTaskID(tt.id); got != tt.valid {
				t.Errorf("ValidateTaskID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestNewCommandID(t *testing.T) {
	id := NewCommandID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("command id %q is not a uuid: %v", id, err)
	}
	if id == NewCommandID() {
		t.Error("command ids should differ")
	}
}
