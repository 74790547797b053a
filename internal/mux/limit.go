package mux

// Limiter bounds how many connections hold a native peer at once.
// A nil Limiter admits everything.
type Limiter struct {
	sem chan struct{}
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return nil
	}
	return &Limiter{sem: make(chan struct{}, max)}
}

// TryAcquire reserves one slot without blocking. It returns false if the
// limit is reached.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing more than was acquired is a no-op.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}

// InUse reports the number of held slots.
func (l *Limiter) InUse() int {
	if l == nil {
		return 0
	}
	return len(l.sem)
}
