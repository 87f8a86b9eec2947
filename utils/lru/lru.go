package lru

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a bounded map that evicts the least recently used entry.
// onEvict is called outside of the lock.
type LRU[K comparable, V any] struct {
	maxSize int
	items   map[K]*list.Element
	list    *list.List
	mu      sync.Mutex
	onEvict func(K, V)
}

func New[K comparable, V any](maxSize int, onEvict func(K, V)) *LRU[K, V] {
	if maxSize < 1 {
		panic("assertion error: maxSize < 1")
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element, maxSize),
		list:    list.New(),
		onEvict: onEvict,
	}
}

func (l *LRU[K, V]) Get(key K) (v V, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, ok := l.items[key]
	if !ok {
		return v, false
	}
	l.list.MoveToFront(element)
	return element.Value.(*entry[K, V]).value, true
}

// GetOrAdd fetch item from lru and increase eviction order or create it.
// create is called under the lock; on error nothing is stored.
func (l *LRU[K, V]) GetOrAdd(key K, create func() (V, error)) (V, error) {
	l.mu.Lock()
	element, ok := l.items[key]
	if ok {
		l.list.MoveToFront(element)
		l.mu.Unlock()
		return element.Value.(*entry[K, V]).value, nil
	}

	v, err := create()
	if err != nil {
		l.mu.Unlock()
		return v, err
	}

	var evicted *entry[K, V]
	if len(l.items) >= l.maxSize {
		evicted = l.removeElement(l.list.Back())
	}
	l.items[key] = l.list.PushFront(&entry[K, V]{key, v})
	l.mu.Unlock()

	if evicted != nil && l.onEvict != nil {
		l.onEvict(evicted.key, evicted.value)
	}
	return v, nil
}

// Remove deletes key without calling onEvict.
func (l *LRU[K, V]) Remove(key K) (v V, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, ok := l.items[key]
	if !ok {
		return v, false
	}
	return l.removeElement(element).value, true
}

func (l *LRU[K, V]) removeElement(element *list.Element) *entry[K, V] {
	e := l.list.Remove(element).(*entry[K, V])
	delete(l.items, e.key)
	return e
}

func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Purge empties the cache calling onEvict for every entry, most recent first.
func (l *LRU[K, V]) Purge() {
	l.mu.Lock()
	entries := make([]*entry[K, V], 0, len(l.items))
	for element := l.list.Front(); element != nil; element = element.Next() {
		entries = append(entries, element.Value.(*entry[K, V]))
	}
	l.items = make(map[K]*list.Element, l.maxSize)
	l.list.Init()
	l.mu.Unlock()

	if l.onEvict == nil {
		return
	}
	for _, e := range entries {
		l.onEvict(e.key, e.value)
	}
}
