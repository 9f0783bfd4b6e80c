package models

import "time"

// NewsStatus is the news lifecycle.
type NewsStatus string

const (
	NewsStatusDraft     NewsStatus = "DRAFT"
	NewsStatusPublished NewsStatus = "PUBLISHED"
	NewsStatusArchived  NewsStatus = "ARCHIVED"
)

// News is a scoped announcement; parents only see published items whose scope
// intersects their children's hierarchy position.
type News struct {
	ID            string     `db:"id" json:"id"`
	InstitutionID string     `db:"institution_id" json:"institution_id"`
	AuthorID      string     `db:"author_id" json:"author_id"`
	Title         string     `db:"title" json:"title"`
	Body          string     `db:"body" json:"body"`
	ScopeType     ScopeType  `db:"scope_type" json:"scope_type"`
	CampusID      *string    `db:"campus_id" json:"campus_id,omitempty"`
	GradeID       *string    `db:"grade_id" json:"grade_id,omitempty"`
	SectionID     *string    `db:"section_id" json:"section_id,omitempty"`
	Status        NewsStatus `db:"status" json:"status"`
	PublishedAt   *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// NewsFilter provides filters for listing news.
type NewsFilter struct {
	InstitutionID string
	Status        NewsStatus
	Page          int
	PageSize      int
}
