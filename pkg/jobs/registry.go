package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"marketpulse/pkg/models"
)

// Handler executes one job. A nil return completes the job; a permanent
// error fails it outright; any other error sends it to retry while
// attempts remain.
type Handler func(ctx context.Context, job *models.Job) error

// Entry binds a job type's contract to its handler and payload schema.
type Entry struct {
	Spec
	// NewPayload returns a fresh payload struct pointer for validation.
	NewPayload func() interface{}
	Handler    Handler
}

// Registry is the closed mapping from job type to handler contract. The
// worker pool dequeues only registered types and enforces each entry's
// envelope.
type Registry struct {
	entries        map[models.JobType]*Entry
	validate       *validator.Validate
	defaultTimeout time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 300 * time.Second
	}
	return &Registry{
		entries:        make(map[models.JobType]*Entry),
		validate:       validator.New(),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a handler for a type. A type without a spec, a double
// registration, or a nil handler is a programming error surfaced at
// startup.
func (r *Registry) Register(t models.JobType, newPayload func() interface{}, h Handler) error {
	spec, ok := SpecFor(t)
	if !ok {
		return fmt.Errorf("job type %q has no contract", t)
	}
	if _, dup := r.entries[t]; dup {
		return fmt.Errorf("job type %q registered twice", t)
	}
	if h == nil {
		return fmt.Errorf("job type %q has a nil handler", t)
	}
	if newPayload == nil {
		return fmt.Errorf("job type %q has no payload schema", t)
	}
	r.entries[t] = &Entry{Spec: spec, NewPayload: newPayload, Handler: h}
	return nil
}

// Lookup returns the entry for a type.
func (r *Registry) Lookup(t models.JobType) (*Entry, bool) {
	e, ok := r.entries[t]
	return e, ok
}

// Types returns the registered types in a stable order; workers pass
// this to Dequeue so they never claim a job they cannot run.
func (r *Registry) Types() []models.JobType {
	out := make([]models.JobType, 0, len(r.entries))
	for _, t := range specOrder {
		if _, ok := r.entries[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Timeout resolves the execution deadline for a type.
func (r *Registry) Timeout(t models.JobType) time.Duration {
	if e, ok := r.entries[t]; ok {
		return e.TimeoutOrDefault(r.defaultTimeout)
	}
	return r.defaultTimeout
}

// ValidatePayload decodes raw into the type's payload struct and runs
// its validator tags, returning the decoded struct.
func (r *Registry) ValidatePayload(t models.JobType, raw models.Payload) (interface{}, error) {
	entry, ok := r.entries[t]
	if !ok {
		return nil, fmt.Errorf("unregistered job type %q", t)
	}
	payload := entry.NewPayload()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("payload does not decode as %s: %w", t, err)
		}
	}
	if err := r.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("payload fails %s validation: %w", t, err)
	}
	return payload, nil
}
