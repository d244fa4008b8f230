package dedupproxy

import (
	"sync"
	"time"
)

// paidMarks tracks fingerprints whose cache miss has already been paid for.
// A mark is only a grace window around the in-flight call, so a retry after
// a crash or transport failure within the window is not double-charged.
type paidMarks struct {
	mu       sync.Mutex
	marks    map[string]time.Time
	lifetime time.Duration
}

func newPaidMarks(lifetime time.Duration) *paidMarks {
	return &paidMarks{
		marks:    make(map[string]time.Time),
		lifetime: lifetime,
	}
}

// mark records payment for a fingerprint, restarting its sliding window.
func (p *paidMarks) mark(fp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[fp] = time.Now()
}

// has reports whether fp holds an unexpired paid mark.
func (p *paidMarks) has(fp string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	at, ok := p.marks[fp]
	if !ok {
		return false
	}
	if now.Sub(at) > p.lifetime {
		delete(p.marks, fp)
		return false
	}
	return true
}

// revoke removes the mark so the next attempt has to pay again.
func (p *paidMarks) revoke(fp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.marks, fp)
}

// sweep evicts marks older than the lifetime.
func (p *paidMarks) sweep() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for fp, at := range p.marks {
		if now.Sub(at) > p.lifetime {
			delete(p.marks, fp)
		}
	}
}

func (p *paidMarks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.marks)
}
