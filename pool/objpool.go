// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// ObjectPool is a typed free list.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is a typed sync.Pool. The optional reset hook runs on Put so a
// pooled object never pins memory it referenced while in use.
type SyncPool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)

// NewSyncPool creates a pool that allocates with create and clears with
// reset; reset may be nil.
func NewSyncPool[T any](create func() T, reset func(T)) *SyncPool[T] {
	sp := &SyncPool[T]{reset: reset}
	sp.pool.New = func() any { return create() }
	return sp
}

// Get returns a pooled or freshly created object.
func (sp *SyncPool[T]) Get() T { return sp.pool.Get().(T) }

// Put resets obj and makes it available to Get.
func (sp *SyncPool[T]) Put(obj T) {
	if sp.reset != nil {
		sp.reset(obj)
	}
	sp.pool.Put(obj)
}
