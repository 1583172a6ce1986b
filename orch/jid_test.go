package orch

import (
	"sync"
	"testing"
)

func TestJIDServiceUnique(t *testing.T) {
	svc := NewJIDService()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		jid := svc.Next()
		if seen[jid] {
			t.Fatalf("duplicate JID %q after %d mints", jid, i)
		}
		seen[jid] = true
	}
}

func TestJIDServiceMonotonic(t *testing.T) {
	svc := NewJIDService()
	prev := svc.Next()
	for i := 0; i < 100; i++ {
		next := svc.Next()
		if next <= prev {
			t.Fatalf("JID %q not greater than predecessor %q", next, prev)
		}
		prev = next
	}
}

func TestJIDServiceConcurrent(t *testing.T) {
	svc := NewJIDService()
	const workers, perWorker = 8, 200

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, svc.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, jid := range local {
				if seen[jid] {
					t.Errorf("duplicate JID %q across goroutines", jid)
				}
				seen[jid] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("minted %d unique JIDs, want %d", len(seen), workers*perWorker)
	}
}
