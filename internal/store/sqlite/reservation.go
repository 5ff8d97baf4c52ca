package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// ReservationCreate inserts a reservation row.
func (s *Store) ReservationCreate(ctx context.Context, res *model.Reservation) error {
	params, err := encodeParams(res.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, lease_id, resource_type, resource_id, status, missing_resources, resources_changed, params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.LeaseID, res.ResourceType, res.ResourceID, string(res.Status),
		res.MissingResources, res.ResourcesChanged, params)
	if err != nil {
		return fmt.Errorf("sqlite: reservation create: %w", err)
	}
	return nil
}

// ReservationGet loads one reservation.
func (s *Store) ReservationGet(ctx context.Context, id string) (*model.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lease_id, resource_type, resource_id, status, missing_resources, resources_changed, params
		FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	return res, err
}

// ReservationsByLease returns a lease's reservations in insertion order.
func (s *Store) ReservationsByLease(ctx context.Context, leaseID string) ([]*model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lease_id, resource_type, resource_id, status, missing_resources, resources_changed, params
		FROM reservations WHERE lease_id = ? ORDER BY rowid`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reservations by lease: %w", err)
	}
	defer rows.Close()

	var out []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: reservations by lease: %w", err)
	}
	return out, nil
}

// ReservationUpdate applies a partial update.
func (s *Store) ReservationUpdate(ctx context.Context, id string, patch store.ReservationPatch) error {
	sets := []string{}
	args := []any{}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ResourceID != nil {
		sets = append(sets, "resource_id = ?")
		args = append(args, *patch.ResourceID)
	}
	if patch.MissingResources != nil {
		sets = append(sets, "missing_resources = ?")
		args = append(args, *patch.MissingResources)
	}
	if patch.ResourcesChanged != nil {
		sets = append(sets, "resources_changed = ?")
		args = append(args, *patch.ResourcesChanged)
	}
	if patch.Params != nil {
		params, err := encodeParams(patch.Params)
		if err != nil {
			return err
		}
		sets = append(sets, "params = ?")
		args = append(args, params)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: reservation update: %w", err)
	}
	return requireRow(res, id)
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		res    model.Reservation
		st     string
		params string
	)
	if err := row.Scan(&res.ID, &res.LeaseID, &res.ResourceType, &res.ResourceID,
		&st, &res.MissingResources, &res.ResourcesChanged, &params); err != nil {
		return nil, err
	}
	res.Status = status.Reservation(st)
	if err := json.Unmarshal([]byte(params), &res.Params); err != nil {
		return nil, fmt.Errorf("sqlite: reservation params: %w", err)
	}
	return &res, nil
}

func encodeParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode params: %w", err)
	}
	return string(b), nil
}
