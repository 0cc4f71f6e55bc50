package runtime

import (
	"testing"
	"time"
)

func TestMonitor(t *testing.T) {
	tests := []struct {
		name   string
		holder int
		other  int
	}{
		{"distinct threads", 1, 2},
		{"unknown thread never re-enters", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor()
			m.lock(tt.holder)
			if tt.holder != 0 {
				m.lock(tt.holder)
				m.unlock()
			}

			acquired := make(chan struct{})
			go func() {
				m.lock(tt.other)
				close(acquired)
				m.unlock()
			}()
			select {
			case <-acquired:
				t.Fatal("monitor acquired while held by another thread")
			case <-time.After(50 * time.Millisecond):
			}

			m.unlock()
			select {
			case <-acquired:
			case <-time.After(5 * time.Second):
				t.Fatal("monitor not handed over after unlock")
			}
		})
	}
}

func TestMonitorUnlockUnheld(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("unlock of an unlocked monitor did not panic")
		}
	}()
	newMonitor().unlock()
}
