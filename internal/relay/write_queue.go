package relay

import (
	"io"
	"sync"
)

// WriteQueue serializes chunk writes to a slow consumer. Chunks are written
// in arrival order by at most one drain goroutine; producers never block on
// the consumer. On the first write error the queue discards its backlog,
// stops accepting chunks and reports the error once through onError.
type WriteQueue struct {
	w       io.Writer
	onError func(error)

	mu       sync.Mutex
	chunks   [][]byte
	draining bool
	closed   bool
	err      error

	chunksWritten int64
	bytesWritten  int64
	dropped       int64
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pending       int   `json:"pending_chunks"`
	ChunksWritten int64 `json:"chunks_written"`
	BytesWritten  int64 `json:"bytes_written"`
	Dropped       int64 `json:"dropped_chunks"`
	Draining      bool  `json:"draining"`
}

// NewWriteQueue creates an idle queue writing to w.
func NewWriteQueue(w io.Writer, onError func(error)) *WriteQueue {
	return &WriteQueue{w: w, onError: onError}
}

// Enqueue appends chunk and starts a drain if none is running. The caller
// must not modify chunk afterwards. It returns false when the chunk was
// dropped because the queue is closed or has failed.
func (q *WriteQueue) Enqueue(chunk []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.chunks = append(q.chunks, chunk)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return true
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.chunks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		chunk := q.chunks[0]
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.mu.Unlock()

		_, err := q.w.Write(chunk)

		q.mu.Lock()
		if err != nil {
			alreadyClosed := q.closed
			q.dropped += int64(len(q.chunks)) + 1
			q.chunks = nil
			q.closed = true
			q.draining = false
			q.err = err
			q.mu.Unlock()

			if !alreadyClosed && q.onError != nil {
				q.onError(err)
			}
			return
		}
		q.chunksWritten++
		q.bytesWritten += int64(len(chunk))
		q.mu.Unlock()
	}
}

// Close discards pending chunks and rejects further ones. A write already
// in flight is allowed to finish. It returns the number of discarded chunks.
func (q *WriteQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.chunks)
	q.dropped += int64(n)
	q.chunks = nil
	q.closed = true
	return n
}

// Err returns the write error that failed the queue, if any.
func (q *WriteQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Stats returns current counters.
func (q *WriteQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:       len(q.chunks),
		ChunksWritten: q.chunksWritten,
		BytesWritten:  q.bytesWritten,
		Dropped:       q.dropped,
		Draining:      q.draining,
	}
}
