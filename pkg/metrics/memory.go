package metrics

import "sync"

type MemoryObserver struct {
	mu      sync.Mutex
	Samples []Sample
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) Record(s Sample) {
	m.mu.Lock()
	m.Samples = append(m.Samples, s)
	m.mu.Unlock()
}

// Named returns a copy of the samples with the given name.
func (m *MemoryObserver) Named(name string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.Samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}
