package resource

import "sync"

// dirLocks serializes read-modify-write cycles on one resource directory
// within this process. Other processes are not excluded.
var dirLocks keyedMutex

type keyedMutex struct {
	m sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.m.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
