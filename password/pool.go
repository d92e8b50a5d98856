package password

import (
	"context"
	"errors"
)

// Pool bounds concurrent argon2 work. Hashing is memory-hard on purpose, so
// an unbounded burst of logins can exhaust the host; the pool caps the number
// of derivations in flight and makes the wait cancellable.
type Pool struct {
	hasher *Argon2
	slots  chan struct{}
}

// NewPool wraps hasher with a cap of workers concurrent derivations.
func NewPool(hasher *Argon2, workers int) (*Pool, error) {
	if hasher == nil {
		return nil, errors.New("password: pool requires a hasher")
	}
	if workers <= 0 {
		return nil, errors.New("password: pool workers must be >= 1")
	}
	return &Pool{
		hasher: hasher,
		slots:  make(chan struct{}, workers),
	}, nil
}

// Hash derives a PHC hash, waiting for a free slot or ctx cancellation.
func (p *Pool) Hash(ctx context.Context, password string) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	defer p.release()
	return p.hasher.Hash(password)
}

// Verify checks password against encodedHash on a pool slot.
func (p *Pool) Verify(ctx context.Context, password, encodedHash string) (bool, error) {
	if err := p.acquire(ctx); err != nil {
		return false, err
	}
	defer p.release()
	return p.hasher.Verify(password, encodedHash)
}

// NeedsUpgrade proxies to the wrapped hasher; parsing is cheap and needs no
// slot.
func (p *Pool) NeedsUpgrade(encodedHash string) (bool, error) {
	return p.hasher.NeedsUpgrade(encodedHash)
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() {
	<-p.slots
}
