package ferry

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// EntityStatus is the lifecycle state of an entity or one of its
// secondary ids.
type EntityStatus string

const (
	StatusPending  EntityStatus = "pending"
	StatusResolved EntityStatus = "resolved"
	StatusError    EntityStatus = "error"
	StatusSkipped  EntityStatus = "skipped"
)

// SecondaryID tracks one identifier through resolution. It starts
// pending and moves to resolved with a value or to error with a
// message; a resolver that matches nothing leaves it pending so a
// later encounter can retry.
type SecondaryID struct {
	Status EntityStatus `json:"status"`
	Value  any          `json:"value"`
	Error  string       `json:"error,omitempty"`
}

// ErrorDetail is a structured note attached to an entity.
type ErrorDetail struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Entity is one import subject, keyed by the primary id the source
// data is trusted to carry.
type Entity struct {
	ID        string                  `json:"-"`
	Status    EntityStatus            `json:"status"`
	Secondary map[string]*SecondaryID `json:"secondary"`
	Notes     []ErrorDetail           `json:"notes,omitempty"`
}

// Resolved returns the value of a secondary id once it has resolved.
func (e *Entity) Resolved(name string) (any, bool) {
	sec := e.Secondary[name]
	if sec == nil || sec.Status != StatusResolved {
		return nil, false
	}
	return sec.Value, true
}

// refresh recomputes the entity status from its secondaries: error if
// any errored, resolved when all resolved, otherwise pending. Skipped
// entities keep their status.
func (e *Entity) refresh() {
	if e.Status == StatusSkipped {
		return
	}
	status := StatusResolved
	for _, sec := range e.Secondary {
		switch sec.Status {
		case StatusError:
			e.Status = StatusError
			return
		case StatusPending:
			status = StatusPending
		}
	}
	e.Status = status
}

func newEntity(pid string, resolvers []Resolver) *Entity {
	sec := make(map[string]*SecondaryID, len(resolvers))
	for _, r := range resolvers {
		sec[r.Name] = &SecondaryID{Status: StatusPending}
	}
	return &Entity{ID: pid, Status: StatusPending, Secondary: sec}
}

// Resolver fills one secondary id. Its statement receives the primary
// id, the source row's fields, and the already-resolved secondary
// values as bind parameters, and should match at most one row; the
// named column of that row becomes the value. Column defaults to Name.
type Resolver struct {
	Name   string
	Stmt   *Stmt
	Column string
}

// EntityManager tracks entities across a multi-stage import where the
// source carries one reliable identifier and the rest are resolved by
// queries against internal systems. It is single-goroutine, like the
// cursors its resolvers run on, and idempotent on identical inputs:
// resolved secondaries are never queried again.
type EntityManager struct {
	primary   string
	resolvers []Resolver
	entities  map[string]*Entity
	logger    *slog.Logger
}

// NewEntityManager builds a manager whose resolver statements see the
// primary id under the bind name primary.
func NewEntityManager(primary string, resolvers []Resolver) (*EntityManager, error) {
	if primary == "" {
		return nil, fmt.Errorf("entity manager: empty primary key")
	}
	seen := make(map[string]bool, len(resolvers))
	for _, r := range resolvers {
		if r.Name == "" {
			return nil, fmt.Errorf("entity manager: resolver without a name")
		}
		if r.Stmt == nil {
			return nil, fmt.Errorf("entity manager: resolver %s has no statement", r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("entity manager: duplicate resolver %s", r.Name)
		}
		seen[r.Name] = true
	}
	return &EntityManager{
		primary:   primary,
		resolvers: resolvers,
		entities:  make(map[string]*Entity),
		logger:    slog.Default(),
	}, nil
}

// ProcessRow fetches or creates the entity for primaryID and runs the
// resolvers for any secondary id still pending. row may be nil when
// the source carries nothing beyond the primary id.
func (m *EntityManager) ProcessRow(ctx context.Context, primaryID any, row *Record) (*Entity, error) {
	pid := asString(primaryID)
	if pid == "" {
		return nil, fmt.Errorf("entity manager: empty primary id")
	}
	ent := m.entities[pid]
	if ent == nil {
		ent = newEntity(pid, m.resolvers)
		m.entities[pid] = ent
	}
	if ent.Status == StatusSkipped {
		return ent, nil
	}
	for i := range m.resolvers {
		r := &m.resolvers[i]
		sec := ent.Secondary[r.Name]
		if sec.Status != StatusPending {
			continue
		}
		rec, err := r.Stmt.QueryOne(ctx, m.bindParams(pid, ent, row))
		if err != nil {
			sec.Status = StatusError
			sec.Error = err.Error()
			ent.Notes = append(ent.Notes, ErrorDetail{
				Message: err.Error(),
				Stage:   "resolve",
				Field:   r.Name,
			})
			continue
		}
		if rec == nil {
			continue
		}
		col := r.Column
		if col == "" {
			col = r.Name
		}
		v, ok := rec.Get(col)
		if !ok {
			sec.Status = StatusError
			sec.Error = fmt.Sprintf("resolver row has no column %s", col)
			ent.Notes = append(ent.Notes, ErrorDetail{
				Message: sec.Error,
				Stage:   "resolve",
				Field:   r.Name,
			})
			continue
		}
		if v == nil {
			// Matched a row that carries no id yet; try again later.
			continue
		}
		sec.Status = StatusResolved
		sec.Value = v
	}
	ent.refresh()
	return ent, nil
}

// bindParams layers the resolver's view: source row fields, then
// resolved secondaries, then the primary id, later layers winning.
func (m *EntityManager) bindParams(pid string, ent *Entity, row *Record) map[string]any {
	params := make(map[string]any)
	if row != nil {
		for k, v := range row.All() {
			params[k] = v
		}
	}
	for name, sec := range ent.Secondary {
		if sec.Status == StatusResolved {
			params[name] = sec.Value
		}
	}
	params[m.primary] = pid
	return params
}

// Skip marks an entity as out of scope for this import, creating it if
// needed. Skipped entities are returned untouched by ProcessRow.
func (m *EntityManager) Skip(primaryID any, reason string) *Entity {
	pid := asString(primaryID)
	ent := m.entities[pid]
	if ent == nil {
		ent = newEntity(pid, m.resolvers)
		m.entities[pid] = ent
	}
	ent.Status = StatusSkipped
	if reason != "" {
		ent.Notes = append(ent.Notes, ErrorDetail{Message: reason, Stage: "skip"})
	}
	return ent
}

// Get returns the tracked entity, or nil when the id was never seen.
func (m *EntityManager) Get(primaryID any) *Entity {
	return m.entities[asString(primaryID)]
}

// Len is the number of tracked entities.
func (m *EntityManager) Len() int { return len(m.entities) }

// All iterates the tracked entities in no particular order.
func (m *EntityManager) All() iter.Seq2[string, *Entity] {
	return func(yield func(string, *Entity) bool) {
		for pid, ent := range m.entities {
			if !yield(pid, ent) {
				return
			}
		}
	}
}

// StatusCounts tallies entities by status.
func (m *EntityManager) StatusCounts() map[EntityStatus]int {
	counts := make(map[EntityStatus]int)
	for _, ent := range m.entities {
		counts[ent.Status]++
	}
	return counts
}

const entityStateVersion = 1

type entityState struct {
	Version  int                `json:"version"`
	SavedAt  time.Time          `json:"saved_at"`
	Primary  string             `json:"primary_key"`
	Entities map[string]*Entity `json:"entities"`
}

// Save writes the full entity map to path so an interrupted import can
// resume. The write goes through a temp file and a rename.
func (m *EntityManager) Save(path string) error {
	state := entityState{
		Version:  entityStateVersion,
		SavedAt:  time.Now().UTC(),
		Primary:  m.primary,
		Entities: m.entities,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("save entities: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entities-*")
	if err != nil {
		return fmt.Errorf("save entities: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save entities: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save entities: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save entities: %w", err)
	}
	m.logger.Debug("entity state saved", "path", path, "entities", len(m.entities))
	return nil
}

// Load replaces the entity map with the state saved at path. Numeric
// values come back as json.Number so they survive a further save
// unchanged. Entities saved before a resolver was added get a pending
// slot for it.
func (m *EntityManager) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var state entityState
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if state.Version != entityStateVersion {
		return fmt.Errorf("load entities: unsupported state version %d", state.Version)
	}
	if state.Primary != m.primary {
		return fmt.Errorf("load entities: state keyed by %s, manager keyed by %s", state.Primary, m.primary)
	}
	for pid, ent := range state.Entities {
		ent.ID = pid
		if ent.Secondary == nil {
			ent.Secondary = make(map[string]*SecondaryID)
		}
		for _, r := range m.resolvers {
			if _, ok := ent.Secondary[r.Name]; !ok {
				ent.Secondary[r.Name] = &SecondaryID{Status: StatusPending}
			}
		}
	}
	m.entities = state.Entities
	if m.entities == nil {
		m.entities = make(map[string]*Entity)
	}
	m.logger.Debug("entity state loaded", "path", path, "entities", len(m.entities))
	return nil
}
