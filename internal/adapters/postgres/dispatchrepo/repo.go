package dispatchrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
)

// Repo is a Postgres implementation of dispatchrepo.Repository.
//
// Guarded operations use conditional UPDATEs (`WHERE status = ...`) and treat
// a zero row count as a failed precondition, so the accept race is resolved
// by the database without any advisory locking.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

func (r *Repo) CreateRequest(ctx context.Context, req domain.TransportRequest) error {
	if r.pool == nil {
		return errors.New("nil postgres pool")
	}
	id, err := uuid.Parse(string(req.ID))
	if err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transport_requests (
			external_id,
			requester_id,
			patient_descriptor,
			pickup_label, pickup_address, pickup_lat, pickup_lon,
			dest_label, dest_address, dest_lat, dest_lon,
			priority,
			status,
			fulfiller_id,
			requested_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		id,
		string(req.RequesterID),
		req.PatientDescriptor,
		req.Pickup.Label, req.Pickup.Address, req.Pickup.Latitude, req.Pickup.Longitude,
		req.Destination.Label, req.Destination.Address, req.Destination.Latitude, req.Destination.Longitude,
		string(req.Priority),
		string(req.Status),
		userIDPtr(req.FulfillerID),
		req.RequestedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
			return dispatchrepo.ErrAlreadyExists
		}
		return mapStoreErr(err)
	}
	return nil
}

func (r *Repo) GetRequest(ctx context.Context, id domain.RequestID) (domain.TransportRequest, error) {
	if r.pool == nil {
		return domain.TransportRequest{}, errors.New("nil postgres pool")
	}
	// A malformed ID cannot name any row; report it as absent rather than
	// letting the uuid codec fail the query.
	reqID, err := uuid.Parse(string(id))
	if err != nil {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}
	row := r.pool.QueryRow(ctx, selectRequestSQL+` WHERE external_id = $1`, reqID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
		}
		return domain.TransportRequest{}, mapStoreErr(err)
	}
	return req, nil
}

func (r *Repo) ListRequests(ctx context.Context, f dispatchrepo.Filter) ([]domain.TransportRequest, error) {
	if r.pool == nil {
		return nil, errors.New("nil postgres pool")
	}

	where := ""
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, len(args))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.RequesterID != nil {
		add("requester_id = $%d", string(*f.RequesterID))
	}
	if f.FulfillerID != nil {
		add("fulfiller_id = $%d", string(*f.FulfillerID))
	}

	rows, err := r.pool.Query(ctx, selectRequestSQL+where+` ORDER BY requested_at ASC, external_id ASC`, args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	out := make([]domain.TransportRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

func (r *Repo) AcceptPending(ctx context.Context, asg domain.Assignment) (domain.TransportRequest, error) {
	if r.pool == nil {
		return domain.TransportRequest{}, errors.New("nil postgres pool")
	}
	asgID, err := uuid.Parse(string(asg.ID))
	if err != nil {
		return domain.TransportRequest{}, fmt.Errorf("invalid assignment id: %w", err)
	}
	reqID, err := uuid.Parse(string(asg.RequestID))
	if err != nil {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}

	var req domain.TransportRequest
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// CAS: exactly one concurrent transaction flips PENDING -> ASSIGNED.
		tag, err := tx.Exec(ctx, `
			UPDATE transport_requests
			SET status = $1, fulfiller_id = $2, updated_at = $3
			WHERE external_id = $4 AND status = $5
		`,
			string(domain.StatusAssigned),
			string(asg.FulfillerID),
			asg.AssignedAt.UTC(),
			reqID,
			string(domain.StatusPending),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a missing request from a lost race.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM transport_requests WHERE external_id = $1)`, reqID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return dispatchrepo.ErrRequestNotFound
			}
			return dispatchrepo.ErrStatusConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO assignments (
				external_id, request_id, fulfiller_id, status,
				assigned_at, estimated_arrival, actual_arrival, completed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			asgID,
			reqID,
			string(asg.FulfillerID),
			string(asg.Status),
			asg.AssignedAt.UTC(),
			asg.EstimatedArrival.UTC(),
			timePtrUTC(asg.ActualArrival),
			timePtrUTC(asg.CompletedAt),
		)
		if err != nil {
			if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
				return dispatchrepo.ErrAlreadyExists
			}
			return err
		}

		row := tx.QueryRow(ctx, selectRequestSQL+` WHERE external_id = $1`, reqID)
		req, err = scanRequest(row)
		return err
	})
	if err != nil {
		return domain.TransportRequest{}, mapStoreErr(err)
	}
	return req, nil
}

func (r *Repo) GetAssignment(ctx context.Context, id domain.AssignmentID) (domain.Assignment, error) {
	if r.pool == nil {
		return domain.Assignment{}, errors.New("nil postgres pool")
	}
	asgID, err := uuid.Parse(string(id))
	if err != nil {
		return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
	}
	row := r.pool.QueryRow(ctx, selectAssignmentSQL+` WHERE external_id = $1`, asgID)
	asg, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
		}
		return domain.Assignment{}, mapStoreErr(err)
	}
	return asg, nil
}

func (r *Repo) ActiveAssignmentForRequest(ctx context.Context, id domain.RequestID) (domain.Assignment, error) {
	if r.pool == nil {
		return domain.Assignment{}, errors.New("nil postgres pool")
	}
	reqID, err := uuid.Parse(string(id))
	if err != nil {
		return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
	}
	row := r.pool.QueryRow(ctx, selectAssignmentSQL+`
		WHERE request_id = $1 AND status NOT IN ($2, $3)`,
		reqID, string(domain.StatusCompleted), string(domain.StatusCancelled),
	)
	asg, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
		}
		return domain.Assignment{}, mapStoreErr(err)
	}
	return asg, nil
}

func (r *Repo) UpdateStatuses(ctx context.Context, u dispatchrepo.StatusUpdate) (domain.Assignment, error) {
	if r.pool == nil {
		return domain.Assignment{}, errors.New("nil postgres pool")
	}
	asgID, err := uuid.Parse(string(u.AssignmentID))
	if err != nil {
		return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
	}

	var asg domain.Assignment
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE assignments
			SET status = $1,
			    actual_arrival = COALESCE($2, actual_arrival),
			    completed_at = COALESCE($3, completed_at)
			WHERE external_id = $4 AND status = $5
		`,
			string(u.Next),
			timePtrUTC(u.ActualArrival),
			timePtrUTC(u.CompletedAt),
			asgID,
			string(u.Expect),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM assignments WHERE external_id = $1)`, asgID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return dispatchrepo.ErrAssignmentNotFound
			}
			return dispatchrepo.ErrStatusConflict
		}

		// Mirror the status onto the request in the same transaction.
		if _, err := tx.Exec(ctx, `
			UPDATE transport_requests
			SET status = $1, updated_at = $2
			WHERE external_id = (SELECT request_id FROM assignments WHERE external_id = $3)
		`,
			string(u.Next), u.UpdatedAt.UTC(), asgID,
		); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, selectAssignmentSQL+` WHERE external_id = $1`, asgID)
		asg, err = scanAssignment(row)
		return err
	})
	if err != nil {
		return domain.Assignment{}, mapStoreErr(err)
	}
	return asg, nil
}

func (r *Repo) CancelPending(ctx context.Context, id domain.RequestID, at time.Time) (domain.TransportRequest, error) {
	if r.pool == nil {
		return domain.TransportRequest{}, errors.New("nil postgres pool")
	}
	reqID, err := uuid.Parse(string(id))
	if err != nil {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}

	var req domain.TransportRequest
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transport_requests
			SET status = $1, updated_at = $2
			WHERE external_id = $3 AND status = $4
		`,
			string(domain.StatusCancelled), at.UTC(), reqID, string(domain.StatusPending),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM transport_requests WHERE external_id = $1)`, reqID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return dispatchrepo.ErrRequestNotFound
			}
			return dispatchrepo.ErrStatusConflict
		}
		row := tx.QueryRow(ctx, selectRequestSQL+` WHERE external_id = $1`, reqID)
		req, err = scanRequest(row)
		return err
	})
	if err != nil {
		return domain.TransportRequest{}, mapStoreErr(err)
	}
	return req, nil
}

const selectRequestSQL = `
	SELECT external_id, requester_id, patient_descriptor,
	       pickup_label, pickup_address, pickup_lat, pickup_lon,
	       dest_label, dest_address, dest_lat, dest_lon,
	       priority, status, fulfiller_id, requested_at, updated_at
	FROM transport_requests`

const selectAssignmentSQL = `
	SELECT external_id, request_id, fulfiller_id, status,
	       assigned_at, estimated_arrival, actual_arrival, completed_at
	FROM assignments`

func scanRequest(row pgx.Row) (domain.TransportRequest, error) {
	var (
		id                   uuid.UUID
		requesterID          string
		priority, status     string
		fulfillerID          *string
		req                  domain.TransportRequest
		requestedAt, updated time.Time
	)
	err := row.Scan(
		&id,
		&requesterID,
		&req.PatientDescriptor,
		&req.Pickup.Label, &req.Pickup.Address, &req.Pickup.Latitude, &req.Pickup.Longitude,
		&req.Destination.Label, &req.Destination.Address, &req.Destination.Latitude, &req.Destination.Longitude,
		&priority,
		&status,
		&fulfillerID,
		&requestedAt,
		&updated,
	)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	req.ID = domain.RequestID(id.String())
	req.RequesterID = domain.UserID(requesterID)
	req.Priority = domain.Priority(priority)
	req.Status = domain.Status(status)
	if fulfillerID != nil {
		v := domain.UserID(*fulfillerID)
		req.FulfillerID = &v
	}
	req.RequestedAt = requestedAt.UTC()
	req.UpdatedAt = updated.UTC()
	return req, nil
}

func scanAssignment(row pgx.Row) (domain.Assignment, error) {
	var (
		id, reqID   uuid.UUID
		fulfillerID string
		status      string
		asg         domain.Assignment
	)
	err := row.Scan(
		&id,
		&reqID,
		&fulfillerID,
		&status,
		&asg.AssignedAt,
		&asg.EstimatedArrival,
		&asg.ActualArrival,
		&asg.CompletedAt,
	)
	if err != nil {
		return domain.Assignment{}, err
	}
	asg.ID = domain.AssignmentID(id.String())
	asg.RequestID = domain.RequestID(reqID.String())
	asg.FulfillerID = domain.UserID(fulfillerID)
	asg.Status = domain.Status(status)
	asg.AssignedAt = asg.AssignedAt.UTC()
	asg.EstimatedArrival = asg.EstimatedArrival.UTC()
	if asg.ActualArrival != nil {
		v := asg.ActualArrival.UTC()
		asg.ActualArrival = &v
	}
	if asg.CompletedAt != nil {
		v := asg.CompletedAt.UTC()
		asg.CompletedAt = &v
	}
	return asg, nil
}

func userIDPtr(p *domain.UserID) *string {
	if p == nil {
		return nil
	}
	v := string(*p)
	return &v
}

func timePtrUTC(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := p.UTC()
	return &v
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dispatchrepo.ErrRequestNotFound) ||
		errors.Is(err, dispatchrepo.ErrAssignmentNotFound) ||
		errors.Is(err, dispatchrepo.ErrStatusConflict) ||
		errors.Is(err, dispatchrepo.ErrAlreadyExists) {
		return err
	}
	if postgres.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", dispatchrepo.ErrUnavailable, err)
	}
	return err
}
