package webrtc

import "sync"

// frameQueue is a bounded per-subscriber queue. When full the oldest frame
// is dropped so a slow peer never stalls the publisher.
type frameQueue struct {
	mu       sync.Mutex
	frames   []accessUnit
	capacity int
	notify   chan struct{}
	closed   bool
	dropped  uint64
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &frameQueue{
		frames:   make([]accessUnit, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues au and reports how many frames were dropped to make room.
func (q *frameQueue) push(au accessUnit) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dropped := 0
	if len(q.frames) >= q.capacity {
		dropped = len(q.frames) - q.capacity + 1
		q.frames = append(q.frames[:0], q.frames[dropped:]...)
		q.dropped += uint64(dropped)
	}
	q.frames = append(q.frames, au)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop blocks until a frame is available. ok is false once the queue is closed.
func (q *frameQueue) pop() (accessUnit, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return accessUnit{}, false
		}
		if len(q.frames) > 0 {
			au := q.frames[0]
			q.frames[0] = accessUnit{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return au, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	close(q.notify)
}

func (q *frameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
