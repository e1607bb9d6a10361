package discovery

import "sync"

// visited is the set of addresses already probed during one scan.
type visited struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisited() *visited {
	return &visited{seen: make(map[string]struct{})}
}

// Add inserts ip and reports whether it was not present before. Exactly one
// caller wins for any address.
func (v *visited) Add(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[ip]; ok {
		return false
	}
	v.seen[ip] = struct{}{}
	return true
}

func (v *visited) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}
