package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
)

// EventRepository persists events and RSVPs, including the FIFO waitlist.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs the repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, institution_id, organizer_id, title, description, scope_type, campus_id, grade_id, section_id,
        status, starts_at, ends_at, capacity, rsvp_deadline, created_at, updated_at`

// Create inserts an event.
func (r *EventRepository) Create(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	const q = `INSERT INTO events
        (id, institution_id, organizer_id, title, description, scope_type, campus_id, grade_id, section_id,
         status, starts_at, ends_at, capacity, rsvp_deadline, created_at, updated_at)
        VALUES (:id, :institution_id, :organizer_id, :title, :description, :scope_type, :campus_id, :grade_id, :section_id,
         :status, :starts_at, :ends_at, :capacity, :rsvp_deadline, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, ev); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// FindByID returns an event by id.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	q := fmt.Sprintf(`SELECT %s FROM events WHERE id = $1`, eventColumns)
	var ev models.Event
	if err := r.db.GetContext(ctx, &ev, q, id); err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpdateStatus moves the event lifecycle.
func (r *EventRepository) UpdateStatus(ctx context.Context, id string, status models.EventStatus) error {
	const q = `UPDATE events SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	return nil
}

// List returns events for an institution restricted by the caller's access
// predicate over the scope columns, soonest first.
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter, access query.Expr) ([]models.Event, int, error) {
	if query.IsDenyAll(access) {
		return []models.Event{}, 0, nil
	}

	where := `institution_id = $1`
	args := []interface{}{filter.InstitutionID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(` AND starts_at >= $%d`, len(args))
	}

	clause, accessArgs := query.SQL(access, len(args))
	where += fmt.Sprintf(` AND (%s)`, clause)
	args = append(args, accessArgs...)

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM events WHERE %s`, where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	listQ := fmt.Sprintf(`SELECT %s FROM events WHERE %s
        ORDER BY starts_at ASC LIMIT $%d OFFSET $%d`, eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, offset)

	var events []models.Event
	if err := r.db.SelectContext(ctx, &events, listQ, args...); err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	return events, total, nil
}

const rsvpColumns = `id, event_id, guardian_id, student_id, status, number_of_guests, waitlist_position, promoted_at, created_at, updated_at`

// FindRSVP returns a guardian's RSVP for an event, nil when none exists.
func (r *EventRepository) FindRSVP(ctx context.Context, eventID, guardianID string) (*models.EventRSVP, error) {
	q := fmt.Sprintf(`SELECT %s FROM event_rsvps WHERE event_id = $1 AND guardian_id = $2`, rsvpColumns)
	var rsvp models.EventRSVP
	if err := r.db.GetContext(ctx, &rsvp, q, eventID, guardianID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find rsvp: %w", err)
	}
	return &rsvp, nil
}

// CreateRSVP inserts an RSVP row.
func (r *EventRepository) CreateRSVP(ctx context.Context, rsvp *models.EventRSVP) error {
	if rsvp.ID == "" {
		rsvp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rsvp.CreatedAt = now
	rsvp.UpdatedAt = now

	const q = `INSERT INTO event_rsvps
        (id, event_id, guardian_id, student_id, status, number_of_guests, waitlist_position, created_at, updated_at)
        VALUES (:id, :event_id, :guardian_id, :student_id, :status, :number_of_guests, :waitlist_position, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, rsvp); err != nil {
		return fmt.Errorf("create rsvp: %w", err)
	}
	return nil
}

// ConfirmedCount sums confirmed seats including guests.
func (r *EventRepository) ConfirmedCount(ctx context.Context, eventID string) (int, error) {
	const q = `SELECT COALESCE(SUM(1 + number_of_guests), 0) FROM event_rsvps
        WHERE event_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, q, eventID, models.RSVPConfirmed); err != nil {
		return 0, fmt.Errorf("count confirmed: %w", err)
	}
	return count, nil
}

// MaxWaitlistPosition returns the highest assigned position, zero when the
// waitlist is empty.
func (r *EventRepository) MaxWaitlistPosition(ctx context.Context, eventID string) (int, error) {
	const q = `SELECT COALESCE(MAX(waitlist_position), 0) FROM event_rsvps
        WHERE event_id = $1 AND status = $2`
	var pos int
	if err := r.db.GetContext(ctx, &pos, q, eventID, models.RSVPWaitlisted); err != nil {
		return 0, fmt.Errorf("max waitlist position: %w", err)
	}
	return pos, nil
}

// NextWaitlisted returns the head of the waitlist, nil when empty.
func (r *EventRepository) NextWaitlisted(ctx context.Context, eventID string) (*models.EventRSVP, error) {
	q := fmt.Sprintf(`SELECT %s FROM event_rsvps
        WHERE event_id = $1 AND status = $2
        ORDER BY waitlist_position ASC, created_at ASC LIMIT 1`, rsvpColumns)
	var rsvp models.EventRSVP
	if err := r.db.GetContext(ctx, &rsvp, q, eventID, models.RSVPWaitlisted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next waitlisted: %w", err)
	}
	return &rsvp, nil
}

// UpdateRSVPStatus moves an RSVP between states. Promotion stamps
// promoted_at and clears the waitlist position.
func (r *EventRepository) UpdateRSVPStatus(ctx context.Context, id string, status models.RSVPStatus, promoted bool) error {
	now := time.Now().UTC()
	if promoted {
		const q = `UPDATE event_rsvps
            SET status = $2, waitlist_position = 0, promoted_at = $3, updated_at = $3
            WHERE id = $1`
		if _, err := r.db.ExecContext(ctx, q, id, status, now); err != nil {
			return fmt.Errorf("update rsvp status: %w", err)
		}
		return nil
	}
	const q = `UPDATE event_rsvps SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, now); err != nil {
		return fmt.Errorf("update rsvp status: %w", err)
	}
	return nil
}

// ReopenRSVP reuses a cancelled row for a fresh response, persisting the
// newly assigned waitlist position and guest count and clearing any earlier
// promotion stamp.
func (r *EventRepository) ReopenRSVP(ctx context.Context, id string, status models.RSVPStatus, position, numberOfGuests int) error {
	const q = `UPDATE event_rsvps
        SET status = $2, waitlist_position = $3, number_of_guests = $4, promoted_at = NULL, updated_at = $5
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, position, numberOfGuests, time.Now().UTC()); err != nil {
		return fmt.Errorf("reopen rsvp: %w", err)
	}
	return nil
}

// ListRSVPs returns all RSVPs for an event, confirmed first then waitlist order.
func (r *EventRepository) ListRSVPs(ctx context.Context, eventID string) ([]models.EventRSVP, error) {
	q := fmt.Sprintf(`SELECT %s FROM event_rsvps WHERE event_id = $1
        ORDER BY status, waitlist_position, created_at`, rsvpColumns)
	var rsvps []models.EventRSVP
	if err := r.db.SelectContext(ctx, &rsvps, q, eventID); err != nil {
		return nil, fmt.Errorf("list rsvps: %w", err)
	}
	return rsvps, nil
}
