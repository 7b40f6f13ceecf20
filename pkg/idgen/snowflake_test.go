package idgen

import (
	"strings"
	"sync"
	"testing"
)

func TestNew_RejectsWorkerID(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Error("expected error for negative workerID")
	}
	if _, err := New(maxWorkerID + 1); err == nil {
		t.Error("expected error for workerID overflow")
	}
}

func TestGenerate_Monotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prev := g.Generate()
	for i := 0; i < 10000; i++ {
		id := g.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		if (id>>workerIDShift)&maxWorkerID != 7 {
			t.Fatalf("worker bits lost in %d", id)
		}
		prev = id
	}
}

func TestGenerateTransactionNo_Unique(t *testing.T) {
	const goroutines, perG = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines*perG)
		wg   sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perG)
			for j := 0; j < perG; j++ {
				local = append(local, GenerateTransactionNo())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, no := range local {
				if !strings.HasPrefix(no, "TXN") {
					t.Errorf("bad prefix: %s", no)
				}
				if _, dup := seen[no]; dup {
					t.Errorf("duplicate transaction no %s", no)
				}
				seen[no] = struct{}{}
			}
		}()
	}
	wg.Wait()
}
