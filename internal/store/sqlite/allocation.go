package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/croftd/croft/internal/model"
)

// AllocationCreate inserts an allocation row.
func (s *Store) AllocationCreate(ctx context.Context, alloc *model.Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (id, reservation_id, resource_id)
		VALUES (?, ?, ?)`,
		alloc.ID, alloc.ReservationID, alloc.ResourceID)
	if err != nil {
		return fmt.Errorf("sqlite: allocation create: %w", err)
	}
	return nil
}

// AllocationsByReservation returns a reservation's allocations.
func (s *Store) AllocationsByReservation(ctx context.Context, reservationID string) ([]*model.Allocation, error) {
	return s.allocations(ctx,
		`SELECT id, reservation_id, resource_id FROM allocations WHERE reservation_id = ? ORDER BY rowid`,
		reservationID)
}

// AllocationsByResources returns allocations held on any of the given
// resource ids.
func (s *Store) AllocationsByResources(ctx context.Context, resourceIDs []string) ([]*model.Allocation, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(resourceIDs)), ", ")
	args := make([]any, len(resourceIDs))
	for i, id := range resourceIDs {
		args[i] = id
	}
	return s.allocations(ctx,
		`SELECT id, reservation_id, resource_id FROM allocations WHERE resource_id IN (`+placeholders+`) ORDER BY rowid`,
		args...)
}

// AllocationsDestroyByReservation clears a reservation's allocations.
func (s *Store) AllocationsDestroyByReservation(ctx context.Context, reservationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE reservation_id = ?`, reservationID); err != nil {
		return fmt.Errorf("sqlite: allocations destroy: %w", err)
	}
	return nil
}

func (s *Store) allocations(ctx context.Context, query string, args ...any) ([]*model.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: allocations query: %w", err)
	}
	defer rows.Close()

	var out []*model.Allocation
	for rows.Next() {
		var alloc model.Allocation
		if err := rows.Scan(&alloc.ID, &alloc.ReservationID, &alloc.ResourceID); err != nil {
			return nil, fmt.Errorf("sqlite: allocations scan: %w", err)
		}
		out = append(out, &alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: allocations query: %w", err)
	}
	return out, nil
}
