package util

import (
	"sync"

	"github.com/negrel/assert"
)

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// ring-buffer queue, doubles when full
type Queue[T any] struct {
	data []T
	head int // next slot to write to
	cnt  int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T]{
		head: 0,
		cnt:  0,
		data: make([]T, max(size, 1)),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) {
		q.grow()
	}
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

// will panic if empty.
func (q *Queue[T]) Pop() T {
	if q.cnt == 0 {
		panic("queue underflow")
	}
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	val := q.data[i]
	var zero T
	q.data[i] = zero
	return val
}

// unrolls the ring into a fresh slice so the oldest element sits at 0
func (q *Queue[T]) grow() {
	data := make([]T, len(q.data)*2)
	tail := mod((q.head - q.cnt), len(q.data))
	for i := range q.cnt {
		data[i] = q.data[mod(tail+i, len(q.data))]
	}
	q.data = data
	q.head = q.cnt
}

// Handle names one arena slot for one lifetime: generation in the high 32 bits, slot index in
// the low 32. A slot is reused with a bumped generation, so a handle that outlived its value
// never resolves to the value that replaced it.
type Handle uint64

const HandleNil = Handle(0)

func makeHandle(gen uint32, index int) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(index)))
}

func (h Handle) Gen() uint32 { return uint32(h >> 32) }
func (h Handle) Index() int  { return int(uint32(h)) }

type slot[T any] struct {
	val  T
	gen  uint32
	live bool
}

// Arena is a growable pool of slots handed out as Handles. Freed slot indexes are recycled
// FIFO through a Queue, which keeps a just-released index cold for as long as possible.
//
// Generations start at 1 so HandleNil never names a live slot.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  Queue[int]
	live  int
}

func CreateArena[T any](size int) *Arena[T] {
	size = max(size, 1)
	a := &Arena[T]{
		slots: make([]slot[T], size),
		free:  CreateQueue[int](size),
	}
	for i := range size {
		a.slots[i].gen = 1
		a.free.Push(i)
	}
	return a
}

// Insert stores val in a free slot (growing the arena if none is left) and returns its handle.
func (a *Arena[T]) Insert(val T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free.Cnt() == 0 {
		n := len(a.slots)
		a.slots = append(a.slots, make([]slot[T], n)...)
		for i := n; i < len(a.slots); i++ {
			a.slots[i].gen = 1
			a.free.Push(i)
		}
	}

	i := a.free.Pop()
	s := &a.slots[i]
	assert.LessOrEqual(0, i, "free index out of range")
	assert.Less(i, len(a.slots), "free index out of range")
	s.val = val
	s.live = true
	a.live++
	return makeHandle(s.gen, i)
}

// Take removes and returns the value named by h. It reports false for a handle that is unknown,
// already taken, or from an older generation of the slot.
func (a *Arena[T]) Take(h Handle) (T, bool) {
	var zero T
	a.mu.Lock()
	defer a.mu.Unlock()

	i := h.Index()
	if i >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[i]
	if !s.live || s.gen != h.Gen() {
		return zero, false
	}

	val := s.val
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free.Push(i)
	a.live--
	return val, true
}

// Live is the number of values currently held.
func (a *Arena[T]) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
