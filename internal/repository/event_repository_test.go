package repository

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

func newEventRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEventRepositoryReopenRSVPWritesPosition(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	mock.ExpectExec(`UPDATE event_rsvps\s+SET status = \$2, waitlist_position = \$3, number_of_guests = \$4, promoted_at = NULL`).
		WithArgs("rsvp-1", models.RSVPWaitlisted, 2, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ReopenRSVP(context.Background(), "rsvp-1", models.RSVPWaitlisted, 2, 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryPromotionClearsPosition(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	mock.ExpectExec(`UPDATE event_rsvps\s+SET status = \$2, waitlist_position = 0, promoted_at = \$3`).
		WithArgs("rsvp-1", models.RSVPConfirmed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateRSVPStatus(context.Background(), "rsvp-1", models.RSVPConfirmed, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
