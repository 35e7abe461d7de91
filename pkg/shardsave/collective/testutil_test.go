package collective

import (
	"sync"
	"testing"
	"time"
)

// rankOutcome is what one rank's goroutine returned.
type rankOutcome[T any] struct {
	value T
	err   error
}

// runGroups runs fn once per group on its own goroutine and waits for all.
func runGroups[T any](t *testing.T, groups []Group, fn func(g Group) (T, error)) []rankOutcome[T] {
	t.Helper()

	out := make([]rankOutcome[T], len(groups))
	var wg sync.WaitGroup
	wg.Add(len(groups))
	for i, g := range groups {
		go func(i int, g Group) {
			defer wg.Done()
			v, err := fn(g)
			out[i] = rankOutcome[T]{value: v, err: err}
		}(i, g)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ranks did not finish")
	}
	return out
}

// localGroups returns an in-process world as []Group.
func localGroups(n int) []Group {
	world := NewLocalWorld(n)
	groups := make([]Group, n)
	for i, g := range world {
		groups[i] = g
	}
	return groups
}

// mustCoordinator builds a coordinator or fails the test.
func mustCoordinator(t *testing.T, g Group, coordinatorRank int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(g, coordinatorRank)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}
