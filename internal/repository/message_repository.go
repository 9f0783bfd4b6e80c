package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/query"
)

// MessageRepository persists communications and their per-guardian fan-out.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository constructs the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, institution_id, sender_id, subject, body, scope_type, campus_id, grade_id, section_id,
        status, priority, send_email, send_sms, send_push, send_in_app, scheduled_at, sent_at,
        total_recipients, delivered_count, failed_count, created_at, updated_at`

// Create inserts a message.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	const q = `INSERT INTO messages
        (id, institution_id, sender_id, subject, body, scope_type, campus_id, grade_id, section_id,
         status, priority, send_email, send_sms, send_push, send_in_app, scheduled_at,
         total_recipients, delivered_count, failed_count, created_at, updated_at)
        VALUES (:id, :institution_id, :sender_id, :subject, :body, :scope_type, :campus_id, :grade_id, :section_id,
         :status, :priority, :send_email, :send_sms, :send_push, :send_in_app, :scheduled_at,
         :total_recipients, :delivered_count, :failed_count, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, msg); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// FindByID returns a message by id.
func (r *MessageRepository) FindByID(ctx context.Context, id string) (*models.Message, error) {
	q := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1`, messageColumns)
	var msg models.Message
	if err := r.db.GetContext(ctx, &msg, q, id); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns messages for an institution with optional status and scope
// filters, newest first.
func (r *MessageRepository) List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error) {
	where := `institution_id = $1`
	args := []interface{}{filter.InstitutionID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.ScopeType != "" {
		args = append(args, filter.ScopeType)
		where += fmt.Sprintf(` AND scope_type = $%d`, len(args))
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM messages WHERE %s`, where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	listQ := fmt.Sprintf(`SELECT %s FROM messages WHERE %s
        ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, messageColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, offset)

	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, listQ, args...); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	return messages, total, nil
}

// MarkSent transitions the message to SENT and records the fan-out size.
func (r *MessageRepository) MarkSent(ctx context.Context, id string, totalRecipients int, sentAt time.Time) error {
	const q = `UPDATE messages
        SET status = $2, sent_at = $3, total_recipients = $4, updated_at = $3
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, models.MessageStatusSent, sentAt, totalRecipients); err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	return nil
}

// UpdateStatus moves the message lifecycle without touching delivery counts.
func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status models.MessageStatus) error {
	const q = `UPDATE messages SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// CreateRecipients inserts the fan-out rows in one transaction.
func (r *MessageRepository) CreateRecipients(ctx context.Context, recipients []models.MessageRecipient) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO message_recipients
        (id, message_id, guardian_id, student_id, email_status, sms_status, push_status, in_app_status, is_read, created_at)
        VALUES (:id, :message_id, :guardian_id, :student_id, :email_status, :sms_status, :push_status, :in_app_status, :is_read, :created_at)`
	now := time.Now().UTC()
	for i := range recipients {
		if recipients[i].ID == "" {
			recipients[i].ID = uuid.NewString()
		}
		recipients[i].CreatedAt = now
		if _, err := tx.NamedExecContext(ctx, q, recipients[i]); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Recipients returns recipient rows with guardian contact info, restricted
// by the caller's access predicate over the guardian id column.
func (r *MessageRepository) Recipients(ctx context.Context, messageID string, access query.Expr) ([]models.RecipientDetail, error) {
	if query.IsDenyAll(access) {
		return []models.RecipientDetail{}, nil
	}

	clause, args := query.SQL(access, 1)
	q := fmt.Sprintf(`SELECT mr.id, mr.message_id, mr.guardian_id, mr.student_id,
            mr.email_status, mr.sms_status, mr.push_status, mr.in_app_status,
            mr.email_sent_at, mr.email_error, mr.is_read, mr.read_at, mr.created_at,
            g.email AS guardian_email,
            g.first_name || ' ' || g.last_name AS guardian_name
        FROM message_recipients mr
        JOIN guardians g ON g.id = mr.guardian_id
        WHERE mr.message_id = $1 AND (%s)
        ORDER BY guardian_name`, clause)

	all := append([]interface{}{messageID}, args...)
	var details []models.RecipientDetail
	if err := r.db.SelectContext(ctx, &details, q, all...); err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return details, nil
}

// UpdateChannelStatus advances one channel on a recipient row. The column is
// chosen from a fixed set, never from input.
func (r *MessageRepository) UpdateChannelStatus(ctx context.Context, recipientID string, channel models.DeliveryChannel, status models.ChannelStatus, errMsg *string) error {
	var column string
	switch channel {
	case models.ChannelEmail:
		column = "email_status"
	case models.ChannelSMS:
		column = "sms_status"
	case models.ChannelPush:
		column = "push_status"
	case models.ChannelInApp:
		column = "in_app_status"
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}

	if channel == models.ChannelEmail {
		q := fmt.Sprintf(`UPDATE message_recipients
            SET %s = $2, email_sent_at = $3, email_error = $4 WHERE id = $1`, column)
		var sentAt *time.Time
		if status == models.ChannelSent || status == models.ChannelDelivered {
			now := time.Now().UTC()
			sentAt = &now
		}
		if _, err := r.db.ExecContext(ctx, q, recipientID, status, sentAt, errMsg); err != nil {
			return fmt.Errorf("update channel status: %w", err)
		}
		return nil
	}

	q := fmt.Sprintf(`UPDATE message_recipients SET %s = $2 WHERE id = $1`, column)
	if _, err := r.db.ExecContext(ctx, q, recipientID, status); err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	return nil
}

// MarkRead flags a recipient row as read by its guardian. read_at keeps the
// first read. Returns false when no row matches the id-guardian pair.
func (r *MessageRepository) MarkRead(ctx context.Context, recipientID, guardianID string) (bool, error) {
	const q = `UPDATE message_recipients SET is_read = TRUE, read_at = COALESCE(read_at, $3)
        WHERE id = $1 AND guardian_id = $2`
	res, err := r.db.ExecContext(ctx, q, recipientID, guardianID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark recipient read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recipient read: %w", err)
	}
	return affected > 0, nil
}

// RefreshDeliveryCounts recomputes the aggregate counters from the fan-out rows.
func (r *MessageRepository) RefreshDeliveryCounts(ctx context.Context, messageID string) error {
	const q = `UPDATE messages m SET
            delivered_count = (SELECT COUNT(*) FROM message_recipients WHERE message_id = m.id AND email_status = $2),
            failed_count = (SELECT COUNT(*) FROM message_recipients WHERE message_id = m.id AND email_status IN ($3, $4)),
            updated_at = $5
        WHERE m.id = $1`
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, q, messageID, models.ChannelDelivered, models.ChannelFailed, models.ChannelBounced, now); err != nil {
		return fmt.Errorf("refresh delivery counts: %w", err)
	}
	return nil
}
