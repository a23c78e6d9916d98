// Package limiter implements the two layered counting semaphores that
// bound how many tasks may be in flight globally and per provider.
package limiter

import (
	"context"
	"sync"
)

// Limiter is a global semaphore plus lazily-created per-provider
// semaphores. Acquisition order is global-then-provider; release order
// is provider-then-global, on every exit path.
type Limiter struct {
	globalCap   int
	providerCap int

	global chan struct{}

	mu        sync.Mutex
	providers map[string]chan struct{}
}

// New builds a Limiter with global capacity G and per-provider capacity P.
func New(global, perProvider int) *Limiter {
	if global <= 0 {
		global = 5
	}
	if perProvider <= 0 {
		perProvider = 3
	}
	return &Limiter{
		globalCap:   global,
		providerCap: perProvider,
		global:      make(chan struct{}, global),
		providers:   make(map[string]chan struct{}),
	}
}

func (l *Limiter) providerSem(provider string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.providers[provider]
	if !ok {
		sem = make(chan struct{}, l.providerCap)
		l.providers[provider] = sem
	}
	return sem
}

// Release is returned by Acquire and must be called exactly once.
type Release func()

// Acquire blocks until a global permit and a per-provider permit are both
// held, or ctx is done. On cancellation while waiting for the provider
// permit, the already-held global permit is released before returning.
func (l *Limiter) Acquire(ctx context.Context, provider string) (Release, error) {
	select {
	case l.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sem := l.providerSem(provider)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-l.global
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-sem
			<-l.global
		})
	}
	return release, nil
}

// InFlight reports the number of currently held permits, globally and for
// one provider (test/observability support).
func (l *Limiter) InFlight(provider string) (global, perProvider int) {
	global = len(l.global)
	l.mu.Lock()
	sem, ok := l.providers[provider]
	l.mu.Unlock()
	if ok {
		perProvider = len(sem)
	}
	return
}
