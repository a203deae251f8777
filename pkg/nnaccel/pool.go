package nnaccel

import (
	"errors"
	"sync"
)

var ErrAllocSize = errors.New("Invalid allocation size")

// Allocator hands out the per-frame scratch buffers (converted frame, resized tensor, display frame).
// Every buffer returned by Alloc must be given back to Free exactly once.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// BufferPool is an Allocator that recycles page aligned buffers by size.
// Allocating a fresh 640x640x3 buffer costs about 3x as much as clearing one,
// so in steady state every frame reuses the buffers of the previous frame.
type BufferPool struct {
	lock      sync.Mutex
	free      map[int][][]byte
	maxPerKey int
	nAlloc    int64 // Number of fresh allocations
	nReuse    int64 // Number of times we handed out a recycled buffer
}

// Create a pool that retains at most maxPerSize idle buffers of each size
func NewBufferPool(maxPerSize int) *BufferPool {
	return &BufferPool{
		free:      map[int][][]byte{},
		maxPerKey: max(maxPerSize, 1),
	}
}

func (p *BufferPool) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrAllocSize
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if list := p.free[size]; len(list) != 0 {
		buf := list[len(list)-1]
		p.free[size] = list[:len(list)-1]
		p.nReuse++
		return buf, nil
	}
	p.nAlloc++
	return PageAlignedAlloc(size), nil
}

func (p *BufferPool) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	size := len(buf)
	if len(p.free[size]) < p.maxPerKey {
		p.free[size] = append(p.free[size], buf)
	}
}

// Returns (fresh allocations, recycled allocations)
func (p *BufferPool) Stats() (int64, int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.nAlloc, p.nReuse
}
