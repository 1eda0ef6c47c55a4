// Package resolve maps natural keys to surrogate identities and merges
// partial observations of the same entity into one reconciled record.
package resolve

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/store"
)

type identity struct {
	Kind portal.EntityKind
	Key  portal.NaturalKey
}

// Resolver owns identity allocation and the merge policy for one crawl
// pass. Records whose references cannot be resolved yet are held until
// the first observation of the missing entity arrives.
type Resolver struct {
	store  store.Store
	logger *zap.Logger

	mu       sync.Mutex
	ids      map[identity]portal.SurrogateID
	entities map[portal.SurrogateID]portal.ReconciledEntity
	held     map[identity][]portal.StructuredRecord
}

// New builds a Resolver over the given store.
func New(st store.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    st,
		logger:   logger,
		ids:      make(map[identity]portal.SurrogateID),
		entities: make(map[portal.SurrogateID]portal.ReconciledEntity),
		held:     make(map[identity][]portal.StructuredRecord),
	}
}

// Resolve returns the surrogate id for a natural key, allocating it on
// first observation. Allocation goes through the store so ids stay
// stable across passes and processes.
func (r *Resolver) Resolve(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, error) {
	r.mu.Lock()
	if id, ok := r.ids[identity{kind, key}]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, _, err := r.store.GetOrCreateID(ctx, kind, key)
	if err != nil {
		return 0, fmt.Errorf("allocate surrogate for %s %s: %w", kind, key, err)
	}

	r.mu.Lock()
	r.ids[identity{kind, key}] = id
	r.mu.Unlock()
	return id, nil
}

// Apply merges a structured record into the reconciled state. It returns
// the entities now ready for commit: the record's own entity plus any
// previously held records unblocked by this observation. A record with
// unresolved references is held and produces no output; that is deferral,
// not an error.
func (r *Resolver) Apply(ctx context.Context, record portal.StructuredRecord) ([]portal.ReconciledEntity, error) {
	out, err := r.applyOne(ctx, record)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	ready := []portal.ReconciledEntity{*out}

	// This observation may satisfy references of held records.
	drained, err := r.drain(ctx, identity{record.Kind, record.Key})
	if err != nil {
		return nil, err
	}
	return append(ready, drained...), nil
}

// Held reports how many records are waiting on unresolved references.
func (r *Resolver) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, records := range r.held {
		n += len(records)
	}
	return n
}

func (r *Resolver) applyOne(ctx context.Context, record portal.StructuredRecord) (*portal.ReconciledEntity, error) {
	id, err := r.Resolve(ctx, record.Kind, record.Key)
	if err != nil {
		return nil, err
	}

	// Resolve references before touching entity state so a held record
	// leaves no partial merge behind.
	refs := make(map[string]portal.SurrogateID, len(record.Refs))
	for _, ref := range record.Refs {
		refID, ok, err := r.lookup(ctx, ref.Kind, ref.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.hold(identity{ref.Kind, ref.Key}, record)
			return nil, nil
		}
		refs[ref.Field] = refID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[id]
	if !ok {
		committed, found, err := r.store.GetEntity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load entity %d: %w", id, err)
		}
		if found {
			entity = committed
		} else {
			entity = portal.ReconciledEntity{
				ID:     id,
				Kind:   record.Kind,
				Key:    record.Key,
				Fields: map[string]portal.FieldValue{},
				Refs:   map[string]portal.SurrogateID{},
			}
		}
	}

	for name, observed := range record.Fields {
		r.mergeField(&entity, name, observed)
	}
	for name, refID := range refs {
		entity.Refs[name] = refID
	}

	r.entities[id] = entity
	clone := entity.Clone()
	return &clone, nil
}

// lookup finds a surrogate without allocating: cache first, then the
// store (an earlier pass may have committed the entity).
func (r *Resolver) lookup(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error) {
	r.mu.Lock()
	id, ok := r.ids[identity{kind, key}]
	r.mu.Unlock()
	if ok {
		return id, true, nil
	}

	id, ok, err := r.store.FindID(ctx, kind, key)
	if err != nil {
		return 0, false, fmt.Errorf("look up %s %s: %w", kind, key, err)
	}
	if !ok {
		return 0, false, nil
	}
	r.mu.Lock()
	r.ids[identity{kind, key}] = id
	r.mu.Unlock()
	return id, true, nil
}

func (r *Resolver) hold(missing identity, record portal.StructuredRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[missing] = append(r.held[missing], record)
	r.logger.Debug("holding record on unresolved reference",
		zap.String("kind", string(record.Kind)),
		zap.String("key", string(record.Key)),
		zap.String("missing_kind", string(missing.Kind)),
		zap.String("missing_key", string(missing.Key)))
}

// drain re-applies the records that were waiting on the given identity.
// A drained record may be held again under a different missing reference.
func (r *Resolver) drain(ctx context.Context, resolved identity) ([]portal.ReconciledEntity, error) {
	r.mu.Lock()
	waiting := r.held[resolved]
	delete(r.held, resolved)
	r.mu.Unlock()

	var ready []portal.ReconciledEntity
	for _, record := range waiting {
		out, err := r.Apply(ctx, record)
		if err != nil {
			return nil, err
		}
		ready = append(ready, out...)
	}
	return ready, nil
}

// mergeField applies the merge policy for one observed value.
func (r *Resolver) mergeField(entity *portal.ReconciledEntity, name string, observed portal.FieldValue) {
	// Temporal range fields widen instead of replacing.
	switch name {
	case "first_year":
		if current, ok := entity.Fields[name]; ok {
			if cy, ny, ok := intPair(current.Value, observed.Value); ok && ny >= cy {
				return
			}
		}
		entity.Fields[name] = observed
		return
	case "last_year":
		if current, ok := entity.Fields[name]; ok {
			if cy, ny, ok := intPair(current.Value, observed.Value); ok && ny <= cy {
				return
			}
		}
		entity.Fields[name] = observed
		return
	}

	current, ok := entity.Fields[name]
	if !ok {
		entity.Fields[name] = observed
		return
	}
	if equalValues(current.Value, observed.Value) {
		return
	}

	currentAuth := isAuthoritative(entity.Kind, name, current.Source)
	observedAuth := isAuthoritative(entity.Kind, name, observed.Source)
	switch {
	case observedAuth && !currentAuth:
		entity.Fields[name] = observed
	case !observedAuth && currentAuth:
		// A non-authoritative observation never displaces an
		// authoritative value.
	default:
		// Equal authority: the most recent fetch wins.
		if observed.ObservedAt.After(current.ObservedAt) {
			metrics.ObserveMergeConflict(string(entity.Kind))
			r.logger.Info("superseding field value",
				zap.String("kind", string(entity.Kind)),
				zap.String("key", string(entity.Key)),
				zap.String("field", name),
				zap.Any("old", current.Value),
				zap.Any("new", observed.Value),
				zap.String("old_source", string(current.Source)),
				zap.String("new_source", string(observed.Source)))
			entity.Fields[name] = observed
		}
	}
}

// equalValues compares numerically when both sides are numbers, so a
// freshly parsed int matches the float64 the same value becomes after a
// JSON round trip through the store.
func equalValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func intPair(a, b any) (int, int, bool) {
	ai, aok := asInt(a)
	bi, bok := asInt(b)
	return ai, bi, aok && bok
}

// asInt tolerates the numeric types a value can come back as after a
// JSON round trip through the store.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// authority lists, per entity kind, the page kinds whose observation of
// a field outranks listings and other incidental mentions. Fields not
// listed treat every source as equally authoritative.
var authority = map[portal.EntityKind]map[string][]portal.PageKind{
	portal.KindClass: {
		"name":         {portal.PageClass},
		"abbreviation": {portal.PageClass},
		"ects":         {portal.PageClass},
	},
	portal.KindCourse: {
		"name":         {portal.PageCourseList},
		"abbreviation": {portal.PageCourseStatistics},
		"degree":       {portal.PageCourseStatistics},
	},
	portal.KindStudent: {
		// The roster export carries the registrar's spelling; grade
		// sheets and admission lists truncate long names.
		"name": {portal.PageClassRoster},
	},
}

func isAuthoritative(kind portal.EntityKind, name string, source portal.PageKind) bool {
	fields, ok := authority[kind]
	if !ok {
		return true
	}
	pages, ok := fields[name]
	if !ok {
		return true
	}
	for _, page := range pages {
		if page == source {
			return true
		}
	}
	return false
}
