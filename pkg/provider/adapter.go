package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// ErrUnknownProvider is returned by Registry.Get for an unregistered provider
var ErrUnknownProvider = errors.New("unknown provider")

// Result is what a successful Execute learned from the provider
type Result struct {
	ExternalID      string // id of the object the provider created or updated
	ActorExternalID string // provider's id for the job's actor, when returned
}

// Adapter translates normalized operations into provider calls. It is the
// only component allowed to perform network I/O. Execute returns *Error on
// failure; all retry state lives in the queue.
type Adapter interface {
	Name() types.Provider
	Execute(ctx context.Context, job *types.SyncJob) (Result, error)
	// ReportedTotal is the read path used by drift audits
	ReportedTotal(ctx context.Context, metric types.Metric, periodKey string) (float64, error)
}

// Identities is the part of the identity map adapters depend on
type Identities interface {
	Resolve(ctx context.Context, actorID string, provider types.Provider) (string, bool, error)
	Record(ctx context.Context, actorID string, provider types.Provider, externalID string) error
}

// Payload is implemented by every operation payload
type Payload interface {
	Validate() error
}

// Decode unmarshals a job payload and validates it. Undecodable or invalid
// payloads are permanent: retrying cannot fix them.
func Decode(job *types.SyncJob, v Payload) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Validation("decode %s payload: %v", job.Operation, err)
	}
	if err := v.Validate(); err != nil {
		return Validation("%s: %v", job.Operation, err)
	}
	return nil
}

// Unsupported is the error for an operation a provider does not implement
func Unsupported(p types.Provider, op types.Operation) *Error {
	return Validation("provider %s does not support %s", p, op)
}

// UnsupportedMetric is the error for a read path a provider does not expose
func UnsupportedMetric(p types.Provider, m types.Metric) *Error {
	return Validation("provider %s does not report %s", p, m)
}

// ResolveActor returns the provider's id for the job's actor. A missing
// mapping is permanent-validation; a failing lookup is transient.
func ResolveActor(ctx context.Context, ids Identities, p types.Provider, job *types.SyncJob) (string, error) {
	if job.ActorID == "" {
		return "", Validation("%s requires an actor", job.Operation)
	}
	id, ok, err := ids.Resolve(ctx, job.ActorID, p)
	if err != nil {
		return "", &Error{Kind: types.ErrorTransientNetwork, Detail: "identity lookup failed", Err: err}
	}
	if !ok {
		return "", Validation("no %s id mapped for actor %s", p, job.ActorID)
	}
	return id, nil
}

// RecordActor stores the provider's id for the job's actor after a
// successful call. The provider call already succeeded, so a failure here is
// logged rather than failing the job.
func RecordActor(ctx context.Context, ids Identities, p types.Provider, job *types.SyncJob, externalID string, logger zerolog.Logger) {
	if job.ActorID == "" || externalID == "" {
		return
	}
	if err := ids.Record(ctx, job.ActorID, p, externalID); err != nil {
		logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("actor_id", job.ActorID).
			Msg("Failed to record identity mapping")
	}
}

// Registry holds adapters by provider name
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Provider]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name()
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider
func (r *Registry) Get(p types.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return a, nil
}

// Providers lists registered provider names in sorted order
func (r *Registry) Providers() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
