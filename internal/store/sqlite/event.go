package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// EventCreate inserts an event row.
func (s *Store) EventCreate(ctx context.Context, event *model.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, lease_id, event_type, time, status)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.LeaseID, string(event.Type), encodeTime(event.Time), string(event.Status))
	if err != nil {
		return fmt.Errorf("sqlite: event create: %w", err)
	}
	return nil
}

// EventGet loads one event.
func (s *Store) EventGet(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lease_id, event_type, time, status FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	return event, err
}

// EventsSortedByTime returns matching events ascending by time, ties
// broken by insertion order.
func (s *Store) EventsSortedByTime(ctx context.Context, filters store.EventFilters) ([]*model.Event, error) {
	where, args := eventWhere(filters)
	query := `SELECT id, lease_id, event_type, time, status FROM events` + where + ` ORDER BY time, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: events query: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: events query: %w", err)
	}
	return out, nil
}

// FirstEventSortedByTime returns the earliest matching event, or
// store.ErrNotFound when none matches.
func (s *Store) FirstEventSortedByTime(ctx context.Context, filters store.EventFilters) (*model.Event, error) {
	where, args := eventWhere(filters)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lease_id, event_type, time, status FROM events`+where+` ORDER BY time, rowid LIMIT 1`,
		args...)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event: %w", store.ErrNotFound)
	}
	return event, err
}

// EventUpdate applies a partial update.
func (s *Store) EventUpdate(ctx context.Context, id string, patch store.EventPatch) error {
	sets := []string{}
	args := []any{}
	if patch.Time != nil {
		sets = append(sets, "time = ?")
		args = append(args, encodeTime(*patch.Time))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: event update: %w", err)
	}
	return requireRow(res, id)
}

// EventStatusCAS atomically swaps the event status, reporting whether
// the row matched. Used to claim UNDONE events for execution.
func (s *Store) EventStatusCAS(ctx context.Context, id string, from, to status.Event) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("sqlite: event cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: event cas: %w", err)
	}
	return n > 0, nil
}

func (s *Store) eventsByLease(ctx context.Context, leaseID string) ([]*model.Event, error) {
	return s.EventsSortedByTime(ctx, store.EventFilters{LeaseID: leaseID})
}

func eventWhere(filters store.EventFilters) (string, []any) {
	conds := []string{}
	args := []any{}
	if filters.LeaseID != "" {
		conds = append(conds, "lease_id = ?")
		args = append(args, filters.LeaseID)
	}
	if filters.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filters.Type))
	}
	if filters.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filters.Status))
	}
	if filters.Time != nil {
		op, ok := map[store.CompareOp]string{
			store.OpLT: "<",
			store.OpLE: "<=",
			store.OpGT: ">",
			store.OpGE: ">=",
		}[filters.Time.Op]
		if !ok {
			op = "<="
		}
		conds = append(conds, "time "+op+" ?")
		args = append(args, encodeTime(filters.Time.Border))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		event  model.Event
		typ    string
		ts     string
		st     string
	)
	if err := row.Scan(&event.ID, &event.LeaseID, &typ, &ts, &st); err != nil {
		return nil, err
	}
	event.Type = model.EventType(typ)
	event.Status = status.Event(st)
	var err error
	if event.Time, err = decodeTime(ts); err != nil {
		return nil, err
	}
	return &event, nil
}
