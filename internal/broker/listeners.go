package broker

import (
	"context"
	"sync"
)

type listener struct {
	id uint64
	h  EventHandler
}

// Listeners is a set of event handlers keyed by event name. The zero value
// is ready to use.
type Listeners struct {
	mu   sync.RWMutex
	m    map[string][]listener
	next uint64
}

// On registers h for event.
func (l *Listeners) On(event string, h EventHandler) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string][]listener)
	}
	l.next++
	id := l.next
	l.m[event] = append(l.m[event], listener{id: id, h: h})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		ls := l.m[event]
		for i, x := range ls {
			if x.id == id {
				l.m[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every handler of event on the caller's goroutine. Handler
// panics are not recovered.
func (l *Listeners) Emit(ctx context.Context, event string, payload any) {
	l.mu.RLock()
	ls := append([]listener(nil), l.m[event]...)
	l.mu.RUnlock()
	for _, x := range ls {
		x.h(ctx, payload)
	}
}

// Len returns the number of handlers of event.
func (l *Listeners) Len(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m[event])
}
