//go:build !unix

package lock

import (
	"os"
	"sync"
)

// Without flock only in-process exclusion is available.
var (
	heldMu sync.Mutex
	held   = map[string]*sync.Mutex{}
)

func pathMutex(f *os.File) *sync.Mutex {
	heldMu.Lock()
	defer heldMu.Unlock()
	mu, ok := held[f.Name()]
	if !ok {
		mu = &sync.Mutex{}
		held[f.Name()] = mu
	}
	return mu
}

func flockExclusive(f *os.File, block bool) error {
	mu := pathMutex(f)
	if block {
		mu.Lock()
		return nil
	}
	if !mu.TryLock() {
		return ErrLocked
	}
	return nil
}

func flockRelease(f *os.File) error {
	pathMutex(f).Unlock()
	return nil
}

func isWouldBlock(err error) bool {
	return err == ErrLocked
}
