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

// NewsRepository persists scoped announcements.
type NewsRepository struct {
	db *sqlx.DB
}

// NewNewsRepository constructs the repository.
func NewNewsRepository(db *sqlx.DB) *NewsRepository {
	return &NewsRepository{db: db}
}

const newsColumns = `id, institution_id, author_id, title, body, scope_type, campus_id, grade_id, section_id,
        status, published_at, created_at, updated_at`

// Create inserts a news item.
func (r *NewsRepository) Create(ctx context.Context, item *models.News) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	const q = `INSERT INTO news
        (id, institution_id, author_id, title, body, scope_type, campus_id, grade_id, section_id, status, published_at, created_at, updated_at)
        VALUES (:id, :institution_id, :author_id, :title, :body, :scope_type, :campus_id, :grade_id, :section_id, :status, :published_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, item); err != nil {
		return fmt.Errorf("create news: %w", err)
	}
	return nil
}

// FindByID returns a news item by id.
func (r *NewsRepository) FindByID(ctx context.Context, id string) (*models.News, error) {
	q := fmt.Sprintf(`SELECT %s FROM news WHERE id = $1`, newsColumns)
	var item models.News
	if err := r.db.GetContext(ctx, &item, q, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateStatus moves the news lifecycle, stamping published_at on the first
// transition to PUBLISHED.
func (r *NewsRepository) UpdateStatus(ctx context.Context, id string, status models.NewsStatus) error {
	now := time.Now().UTC()
	if status == models.NewsStatusPublished {
		const q = `UPDATE news SET status = $2, published_at = COALESCE(published_at, $3), updated_at = $3 WHERE id = $1`
		if _, err := r.db.ExecContext(ctx, q, id, status, now); err != nil {
			return fmt.Errorf("update news status: %w", err)
		}
		return nil
	}
	const q = `UPDATE news SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, now); err != nil {
		return fmt.Errorf("update news status: %w", err)
	}
	return nil
}

// List returns news for an institution restricted by the caller's access
// predicate over the scope columns, newest first. Staff pass an allow-all
// predicate; parents pass the scope intersection of their children.
func (r *NewsRepository) List(ctx context.Context, filter models.NewsFilter, access query.Expr) ([]models.News, int, error) {
	if query.IsDenyAll(access) {
		return []models.News{}, 0, nil
	}

	where := `institution_id = $1`
	args := []interface{}{filter.InstitutionID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	clause, accessArgs := query.SQL(access, len(args))
	where += fmt.Sprintf(` AND (%s)`, clause)
	args = append(args, accessArgs...)

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM news WHERE %s`, where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, fmt.Errorf("count news: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	listQ := fmt.Sprintf(`SELECT %s FROM news WHERE %s
        ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, newsColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, offset)

	var items []models.News
	if err := r.db.SelectContext(ctx, &items, listQ, args...); err != nil {
		return nil, 0, fmt.Errorf("list news: %w", err)
	}
	return items, total, nil
}
