package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/util"
)

const (
	// MinBufferSize is the capacity of the smallest bucket.
	MinBufferSize = 256

	// MaxPooledSize is the capacity of the largest bucket. Buffers larger
	// than this are allocated directly and never retained.
	MaxPooledSize = 16 * 1024 * 1024

	minShift   = 8  // 1<<8 == 256
	maxShift   = 24 // 1<<24 == 16MB
	numBuckets = maxShift - minShift + 1
)

// Buffer is a reusable byte buffer handed out by a Pool. The caller owns it
// until it is released back to the pool. Content of a reused buffer is
// unspecified; only its length is reset.
type Buffer struct {
	Data []byte

	pool     *Pool
	bucket   int // -1 for oversized, unpooled buffers
	released bool
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte {
	return b.Data
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int {
	return cap(b.Data)
}

// Pool is a thread-safe pool of byte buffers bucketed by power-of-two
// capacity, from 256B to 16MB. Each client owns one Pool instance so that
// independent clients never share buffers. The pool places no bound on
// total retained memory; callers needing backpressure must impose it
// externally.
type Pool struct {
	logger  *zap.Logger
	metrics util.MetricsInterface

	buckets [numBuckets]bucket

	allocations   atomic.Int64
	retainedBytes atomic.Int64
}

type bucket struct {
	mu   sync.Mutex
	free []*Buffer
}

// NewPool creates an empty buffer pool. Buffers are allocated lazily on
// first acquisition of each size.
func NewPool(logger *zap.Logger, metrics util.MetricsInterface) *Pool {
	return &Pool{
		logger:  logger,
		metrics: metrics,
	}
}

// Acquire returns a buffer whose capacity is the next power of two greater
// than or equal to minCapacity, reusing a free buffer of that bucket when
// one is available. The returned buffer has length zero.
func (p *Pool) Acquire(minCapacity int) *Buffer {
	if minCapacity <= 0 {
		minCapacity = 1
	}

	if p.metrics != nil {
		_ = p.metrics.Incr("buffer_acquire", nil, 1)
	}

	idx, size := bucketFor(minCapacity)
	if idx < 0 {
		// Oversized request, allocated directly and never retained.
		p.allocations.Add(1)
		if p.metrics != nil {
			_ = p.metrics.Incr("buffer_allocation", nil, 1)
		}
		p.logger.Debug("Allocating oversized buffer", zap.Int("capacity", minCapacity))
		return &Buffer{
			Data:   make([]byte, 0, minCapacity),
			pool:   p,
			bucket: -1,
		}
	}

	b := &p.buckets[idx]
	b.mu.Lock()
	if n := len(b.free); n > 0 {
		buf := b.free[n-1]
		b.free[n-1] = nil
		b.free = b.free[:n-1]
		buf.released = false
		b.mu.Unlock()

		p.retainedBytes.Add(int64(-size))
		p.updateRetainedGauge()
		return buf
	}
	b.mu.Unlock()

	p.allocations.Add(1)
	if p.metrics != nil {
		_ = p.metrics.Incr("buffer_allocation", nil, 1)
	}
	return &Buffer{
		Data:   make([]byte, 0, size),
		pool:   p,
		bucket: idx,
	}
}

// Release returns a buffer to its bucket's free list. Releasing a buffer
// that was not acquired from this pool, or releasing the same buffer twice,
// is a programming defect and panics.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil || buf.pool != p {
		panic("buffer: released buffer does not belong to this pool")
	}

	if buf.bucket < 0 {
		// Oversized buffers are dropped; still guard against double release.
		if buf.released {
			panic(fmt.Sprintf("buffer: double release of %d-byte buffer", cap(buf.Data)))
		}
		buf.released = true
		buf.Data = nil
		return
	}

	// The bucket index fixes the capacity; don't touch buf.Data after the
	// unlock, a concurrent Acquire may own the buffer by then.
	size := MinBufferSize << buf.bucket

	b := &p.buckets[buf.bucket]
	b.mu.Lock()
	if buf.released {
		b.mu.Unlock()
		panic(fmt.Sprintf("buffer: double release of %d-byte buffer", cap(buf.Data)))
	}
	buf.released = true
	buf.Data = buf.Data[:0]
	b.free = append(b.free, buf)
	b.mu.Unlock()

	p.retainedBytes.Add(int64(size))
	p.updateRetainedGauge()
}

// Allocations reports how many buffers the pool has allocated fresh, as
// opposed to served from a free list.
func (p *Pool) Allocations() int64 {
	return p.allocations.Load()
}

// RetainedBytes reports the total capacity currently sitting on free lists.
func (p *Pool) RetainedBytes() int64 {
	return p.retainedBytes.Load()
}

func (p *Pool) updateRetainedGauge() {
	if p.metrics != nil {
		_ = p.metrics.Gauge("buffer_retained_bytes", float64(p.retainedBytes.Load()), nil, 1)
	}
}

// bucketFor maps a requested capacity to a bucket index and that bucket's
// buffer size. Returns index -1 for capacities above MaxPooledSize.
func bucketFor(capacity int) (int, int) {
	if capacity > MaxPooledSize {
		return -1, 0
	}
	size := MinBufferSize
	idx := 0
	for size < capacity {
		size <<= 1
		idx++
	}
	return idx, size
}
