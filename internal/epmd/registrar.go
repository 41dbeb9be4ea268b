package epmd

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/erlnode/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrRegisterAttemptsExhausted = errors.New("epmd: registration attempts exhausted")

// Registrar keeps a registration alive for the life of the node,
// re-registering with backoff whenever the daemon drops it.
type Registrar struct {
	client *Client
	reg    Registration
	cfg    session.Config
	rng    *rand.Rand

	// OnRegistered runs after every successful registration, including
	// re-registrations after a daemon restart.
	OnRegistered func(creation uint32)
	// OnAttempt observes every registration attempt and its error.
	OnAttempt func(attempt int, err error)

	mu         sync.Mutex
	registered bool
	creation   uint32
	handle     *Handle
}

func NewRegistrar(c *Client, reg Registration, cfg session.Config) *Registrar {
	return &Registrar{
		client: c,
		reg:    reg,
		cfg:    cfg.WithDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Creation is the creation from the most recent registration.
func (r *Registrar) Creation() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creation
}

// Register performs the first registration, retrying with backoff.
func (r *Registrar) Register(ctx context.Context) (uint32, error) {
	h, err := r.registerWithRetry(ctx)
	if err != nil {
		return 0, err
	}
	r.install(h)
	return h.Creation, nil
}

// Run holds the registration until ctx ends. It registers first when
// Register was not called. Returns nil on cancellation.
func (r *Registrar) Run(ctx context.Context) error {
	for {
		r.mu.Lock()
		h := r.handle
		r.mu.Unlock()
		if h == nil {
			var err error
			if h, err = r.registerWithRetry(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			r.install(h)
		}
		select {
		case <-ctx.Done():
			r.drop(h)
			return nil
		case <-h.Done():
			log.Warn().Str("node", r.reg.Name).Msg("epmd dropped registration; re-registering")
			r.drop(h)
		}
	}
}

func (r *Registrar) install(h *Handle) {
	r.mu.Lock()
	r.handle = h
	r.registered = true
	r.creation = h.Creation
	hook := r.OnRegistered
	r.mu.Unlock()
	if hook != nil {
		hook(h.Creation)
	}
}

func (r *Registrar) drop(h *Handle) {
	_ = h.Close()
	r.mu.Lock()
	if r.handle == h {
		r.handle = nil
		r.registered = false
	}
	r.mu.Unlock()
}

func (r *Registrar) shouldRetry(attempt int) bool {
	if r.cfg.MaxRegisterAttempts <= 0 {
		return true
	}
	return attempt < r.cfg.MaxRegisterAttempts
}

func (r *Registrar) registerWithRetry(ctx context.Context) (*Handle, error) {
	var attempt int
	for {
		attempt++
		h, err := r.client.Register(ctx, r.reg)
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, err)
		}
		if err == nil {
			return h, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("node", r.reg.Name).Msg("epmd register failed")
		if errors.Is(err, ErrBadNodeName) {
			return nil, err
		}
		if !r.shouldRetry(attempt) {
			return nil, errors.Join(ErrRegisterAttemptsExhausted, err)
		}
		if err := session.Wait(ctx, session.NextBackoffDelay(r.cfg.Backoff, attempt, r.rng)); err != nil {
			return nil, err
		}
	}
}
