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

// LeaseCreate inserts a new lease row. A duplicate (project, name) pair
// fails with store.ErrDuplicate.
func (s *Store) LeaseCreate(ctx context.Context, lease *model.Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (id, name, project_id, user_id, trust_id, start_date, end_date, status, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lease.ID, lease.Name, lease.ProjectID, lease.UserID, lease.TrustID,
		encodeTime(lease.StartDate), encodeTime(lease.EndDate), string(lease.Status), lease.Degraded)
	if isUniqueViolation(err) {
		return fmt.Errorf("lease %q in project %q: %w", lease.Name, lease.ProjectID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("sqlite: lease create: %w", err)
	}
	return nil
}

// LeaseGet loads a lease with its reservations and events.
func (s *Store) LeaseGet(ctx context.Context, id string) (*model.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, project_id, user_id, trust_id, start_date, end_date, status, degraded
		FROM leases WHERE id = ?`, id)

	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	lease.Reservations, err = s.ReservationsByLease(ctx, id)
	if err != nil {
		return nil, err
	}
	lease.Events, err = s.eventsByLease(ctx, id)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// LeaseList returns leases for a project, or every lease when projectID
// is empty.
func (s *Store) LeaseList(ctx context.Context, projectID string) ([]*model.Lease, error) {
	query := `SELECT id FROM leases`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lease list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: lease list scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: lease list rows: %w", err)
	}

	leases := make([]*model.Lease, 0, len(ids))
	for _, id := range ids {
		lease, err := s.LeaseGet(ctx, id)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// LeaseUpdate applies a partial update.
func (s *Store) LeaseUpdate(ctx context.Context, id string, patch store.LeasePatch) error {
	sets := []string{}
	args := []any{}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.StartDate != nil {
		sets = append(sets, "start_date = ?")
		args = append(args, encodeTime(*patch.StartDate))
	}
	if patch.EndDate != nil {
		sets = append(sets, "end_date = ?")
		args = append(args, encodeTime(*patch.EndDate))
	}
	if patch.Degraded != nil {
		sets = append(sets, "degraded = ?")
		args = append(args, *patch.Degraded)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE leases SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("lease rename: %w", store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("sqlite: lease update: %w", err)
	}
	return requireRow(res, id)
}

// LeaseDestroy removes the lease; reservations, events and allocations
// cascade.
func (s *Store) LeaseDestroy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: lease destroy: %w", err)
	}
	return requireRow(res, id)
}

// AcquireLeaseStatus atomically enters a transitional status from any
// status in from, returning the previous status. Implements the status
// machine's admission check.
func (s *Store) AcquireLeaseStatus(ctx context.Context, leaseID string, from []status.Lease, to status.Lease) (status.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: acquire status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM leases WHERE id = ?`, leaseID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lease %s: %w", leaseID, status.ErrLeaseGone)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: acquire status: %w", err)
	}

	admitted := false
	for _, f := range from {
		if status.Lease(current) == f {
			admitted = true
			break
		}
	}
	if !admitted {
		return "", fmt.Errorf("lease %s is %s: %w", leaseID, current, status.ErrInvalidStatus)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE leases SET status = ? WHERE id = ? AND status = ?`,
		string(to), leaseID, current)
	if err != nil {
		return "", fmt.Errorf("sqlite: acquire status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("sqlite: acquire status: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("lease %s status changed concurrently: %w", leaseID, status.ErrInvalidStatus)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: acquire status: %w", err)
	}
	return status.Lease(current), nil
}

// SetLeaseStatus unconditionally writes the lease status.
func (s *Store) SetLeaseStatus(ctx context.Context, leaseID string, to status.Lease) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET status = ? WHERE id = ?`, string(to), leaseID)
	if err != nil {
		return fmt.Errorf("sqlite: set lease status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: set lease status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s: %w", leaseID, status.ErrLeaseGone)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*model.Lease, error) {
	var (
		lease      model.Lease
		start, end string
		st         string
	)
	if err := row.Scan(&lease.ID, &lease.Name, &lease.ProjectID, &lease.UserID,
		&lease.TrustID, &start, &end, &st, &lease.Degraded); err != nil {
		return nil, err
	}
	var err error
	if lease.StartDate, err = decodeTime(start); err != nil {
		return nil, err
	}
	if lease.EndDate, err = decodeTime(end); err != nil {
		return nil, err
	}
	lease.Status = status.Lease(st)
	return &lease, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return nil
}
