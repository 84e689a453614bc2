package bandit

// boundedMap is a map that forgets its oldest keys past a capacity.
type boundedMap[K comparable, V any] struct {
	limit int
	items map[K]V
	order []K
}

func newBoundedMap[K comparable, V any](limit int) *boundedMap[K, V] {
	return &boundedMap[K, V]{limit: limit, items: make(map[K]V)}
}

func (m *boundedMap[K, V]) get(k K) (V, bool) {
	v, ok := m.items[k]
	return v, ok
}

func (m *boundedMap[K, V]) put(k K, v V) {
	if _, ok := m.items[k]; !ok {
		m.order = append(m.order, k)
	}
	m.items[k] = v
	for len(m.items) > m.limit && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.items, oldest)
	}
	// Reclaim the backing array once deleted keys dominate it.
	if len(m.order) > 2*m.limit {
		m.compact()
	}
}

func (m *boundedMap[K, V]) remove(k K) {
	delete(m.items, k)
	if len(m.order) > 2*len(m.items)+m.limit {
		m.compact()
	}
}

func (m *boundedMap[K, V]) compact() {
	kept := make([]K, 0, len(m.items))
	for _, k := range m.order {
		if _, ok := m.items[k]; ok {
			kept = append(kept, k)
		}
	}
	m.order = kept
}

func (m *boundedMap[K, V]) len() int { return len(m.items) }
