// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"sync"
)

// Hook inspects the arguments of a call and returns the error it should fail with.
type Hook func(args ...any) error

type point struct {
	queued []error
	sticky error
	hook   Hook
	hits   int
}

// Injector holds the faults configured for one fake. The zero value is not
// usable; a nil *Injector never fails.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name.
func (i *Injector) FailOnce(name string, err error) {
	i.update(name, func(p *point) { p.queued = append(p.queued, err) })
}

// FailAlways fails every evaluation of name with err until Clear.
func (i *Injector) FailAlways(name string, err error) {
	i.update(name, func(p *point) { p.sticky = err })
}

func (i *Injector) SetHook(name string, hook Hook) {
	i.update(name, func(p *point) { p.hook = hook })
}

// Clear drops every fault configured for name and its hit count.
func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

// Hits returns how many evaluations of name have failed.
func (i *Injector) Hits(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p := i.points[name]; p != nil {
		return p.hits
	}
	return 0
}

// Eval returns the injected error for this call of name, if any. A hook wins
// over a queued error, which wins over a sticky one.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}

	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	hook := p.hook
	i.mu.Unlock()

	// Hooks run unlocked so they may call back into the fake.
	var err error
	if hook != nil {
		err = hook(args...)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err == nil && len(p.queued) > 0 {
		err, p.queued = p.queued[0], p.queued[1:]
	}
	if err == nil {
		err = p.sticky
	}
	if err == nil {
		return nil
	}
	p.hits++
	return fmt.Errorf("injected fault at %s: %w", name, err)
}

func (i *Injector) update(name string, fn func(*point)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}
