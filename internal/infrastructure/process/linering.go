package process

import "sync"

// LineRing keeps the last lines written by the engine.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	count int
}

func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{lines: make([]string, capacity)}
}

func (r *LineRing) Add(line string) {
	if line == "" {
		return
	}
	r.mu.Lock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
	r.mu.Unlock()
}

// LastN returns up to n lines, oldest first.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	start := (r.head - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
