// Package registry maps opaque handles to random effects models.
//
// A handle is the string form of a random UUID. Callers never hold the
// model pointer beyond an Acquire/release pair, and a model has at most one
// holder at a time.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/remodel"
)

// Handle identifies a registered model.
type Handle string

var (
	// ErrHandleBusy is returned when a handle is already acquired.
	ErrHandleBusy = errors.New("registry: handle is in use")
	// ErrUnknownHandle is returned for handles that were never created or
	// have been destroyed.
	ErrUnknownHandle = errors.New("registry: unknown handle")
)

type entry struct {
	model *remodel.Model
	busy  bool
}

// Registry owns models created through it.
type Registry struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	opts    []remodel.Option
	logger  log.Logger
}

// New creates an empty registry. opts are passed to every remodel.New.
func New(opts ...remodel.Option) *Registry {
	return &Registry{
		entries: make(map[Handle]*entry),
		opts:    opts,
		logger:  log.GetLoggerWithName("registry"),
	}
}

// Create validates cfg and data, builds a model and returns its handle. On
// error nothing is registered.
func (r *Registry) Create(cfg remodel.Config, data remodel.Data) (Handle, error) {
	m, err := remodel.New(cfg, data, r.opts...)
	if err != nil {
		return "", err
	}
	return r.Add(m), nil
}

// Add registers an existing model, e.g. one restored from a store.
func (r *Registry) Add(m *remodel.Model) Handle {
	h := Handle(uuid.NewString())
	r.mu.Lock()
	r.entries[h] = &entry{model: m}
	r.mu.Unlock()
	r.logger.Debug("Registered model", log.EstimatorIDKey, string(h), log.SamplesKey, m.NumData())
	return h
}

// Acquire hands out exclusive access to the model behind h. The returned
// release function must be called exactly once; further calls are no-ops.
func (r *Registry) Acquire(h Handle) (*remodel.Model, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownHandle, "handle %s", h)
	}
	if e.busy {
		return nil, nil, errors.Wrapf(ErrHandleBusy, "handle %s", h)
	}
	e.busy = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.busy = false
			r.mu.Unlock()
		})
	}
	return e.model, release, nil
}

// Destroy removes h. A held handle cannot be destroyed.
func (r *Registry) Destroy(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "handle %s", h)
	}
	if e.busy {
		return errors.Wrapf(ErrHandleBusy, "handle %s", h)
	}
	delete(r.entries, h)
	return nil
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Valid reports whether h is a well formed handle. It does not check
// registration.
func Valid(h Handle) bool {
	_, err := uuid.Parse(string(h))
	return err == nil
}
