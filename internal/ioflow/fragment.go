package ioflow

import (
	"sync"
	"sync/atomic"
)

// FragmentSize is the size of a pooled transfer fragment. Streams move
// fragment by fragment, so per-request memory is proportional to the
// configured credit count, never to payload size.
const FragmentSize = 32 * 1024

var (
	live atomic.Int64

	fragments = sync.Pool{
		New: func() any {
			b := make([]byte, FragmentSize)
			return &b
		},
	}
)

func getFragment() *[]byte {
	live.Add(1)
	return fragments.Get().(*[]byte)
}

func putFragment(buf *[]byte) {
	if buf == nil {
		return
	}
	live.Add(-1)
	fragments.Put(buf)
}

// Live reports how many fragments are currently checked out of the pool.
// It backs the bounded-memory gauge and the tests that assert it.
func Live() int64 {
	return live.Load()
}
