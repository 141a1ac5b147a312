package wallet

import "sync"

// Presence counts open views. Pollers run only while at least one view is
// open. A nil *Presence is always visible.
type Presence struct {
	mu      sync.Mutex
	count   int
	subs    map[int]func(bool)
	nextSub int
}

func NewPresence() *Presence {
	return &Presence{subs: make(map[int]func(bool))}
}

// Acquire marks one view as open. The returned release is idempotent.
func (p *Presence) Acquire() (release func()) {
	if p == nil {
		return func() {}
	}
	p.adjust(1)
	var once sync.Once
	return func() { once.Do(func() { p.adjust(-1) }) }
}

func (p *Presence) adjust(delta int) {
	p.mu.Lock()
	before := p.count > 0
	p.count += delta
	after := p.count > 0
	var subs []func(bool)
	if before != after {
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(after)
	}
}

// Visible reports whether any view is open.
func (p *Presence) Visible() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count > 0
}

// Viewers returns the number of open views.
func (p *Presence) Viewers() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Subscribe registers fn for visible/hidden transitions.
func (p *Presence) Subscribe(fn func(visible bool)) (unsubscribe func()) {
	if p == nil {
		return func() {}
	}
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}
