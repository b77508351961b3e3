package kick_webhook

import "sync"

const DefaultLedgerCapacity = 500

// Ledger remembers the most recent message ids. When full, the oldest
// insertion is evicted; lookups do not refresh an id's position.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    []string // ring buffer of insertion order
	head     int
	seen     map[string]struct{}
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity+1),
	}
}

func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Remember records id. Remembering an id already present is a no-op.
func (l *Ledger) Remember(id string) {
	l.Claim(id)
}

// Claim records id and reports whether this call inserted it. Of several
// concurrent claims for one id exactly one wins.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}

	if len(l.order) < l.capacity {
		l.order = append(l.order, id)
		return true
	}
	delete(l.seen, l.order[l.head])
	l.order[l.head] = id
	l.head = (l.head + 1) % l.capacity
	return true
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
