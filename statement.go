package ferry

import (
	"context"
	"fmt"
)

// Stmt is a canonical query translated once for its cursor's dialect
// and executed repeatedly with fresh parameters.
type Stmt struct {
	cur   *Cursor
	query *Query
}

// SQL returns the translated statement text.
func (s *Stmt) SQL() string { return s.query.SQL() }

// Names returns the statement's parameter names in occurrence order.
func (s *Stmt) Names() []string { return s.query.Names() }

// Execute binds params and runs the statement on the owning cursor.
// Missing keys bind SQL null.
func (s *Stmt) Execute(ctx context.Context, params map[string]any) error {
	return s.cur.run(ctx, s.query.SQL(), s.query.Bind(params))
}

// ExecuteStrict is Execute but errors when params misses any parameter
// the statement names.
func (s *Stmt) ExecuteStrict(ctx context.Context, params map[string]any) error {
	args, err := s.query.BindStrict(params)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	return s.cur.run(ctx, s.query.SQL(), args)
}

// QueryOne executes and returns the first row, or nil without error
// when the statement matches nothing. Any further rows are discarded.
func (s *Stmt) QueryOne(ctx context.Context, params map[string]any) (*Record, error) {
	if err := s.Execute(ctx, params); err != nil {
		return nil, err
	}
	rec, err := s.cur.FetchOne()
	if err != nil {
		return nil, err
	}
	s.cur.discard()
	return rec, nil
}
