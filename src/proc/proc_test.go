package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockExcludesConcurrentHolders(t *testing.T) {
	l := NewLock()
	l.Lock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock() must block while the first holder is still locked")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock() should have acquired after Unlock")
	}
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	l := NewLock()
	assert.Panics(t, func() { l.Unlock() })
}

func TestWakeallWakesAllSleepers(t *testing.T) {
	w := NewWaitchan()
	const n = 5
	woke := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			w.Sleep()
			woke <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	w.Wakeall()

	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d was not woken", i)
		}
	}
}
