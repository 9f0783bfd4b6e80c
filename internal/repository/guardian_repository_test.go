package repository

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/franorzabal-hub/kairos-api/internal/models"
)

func newGuardianRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestGuardianRepositoryLinkPrimaryClearsPreviousHolder(t *testing.T) {
	db, mock, cleanup := newGuardianRepoMock(t)
	defer cleanup()
	repo := NewGuardianRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE student_guardians SET is_primary = FALSE WHERE student_id").
		WithArgs("stu-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO student_guardians").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.LinkStudent(context.Background(), &models.StudentGuardian{
		StudentID:  "stu-1",
		GuardianID: "gua-2",
		Relation:   models.RelationMother,
		IsPrimary:  true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardianRepositoryLinkNonPrimarySkipsClear(t *testing.T) {
	db, mock, cleanup := newGuardianRepoMock(t)
	defer cleanup()
	repo := NewGuardianRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO student_guardians").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.LinkStudent(context.Background(), &models.StudentGuardian{
		StudentID:  "stu-1",
		GuardianID: "gua-3",
		Relation:   models.RelationOther,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardianRepositoryLinkExists(t *testing.T) {
	db, mock, cleanup := newGuardianRepoMock(t)
	defer cleanup()
	repo := NewGuardianRepository(db)

	mock.ExpectQuery("SELECT 1 FROM student_guardians").
		WithArgs("stu-1", "gua-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	exists, err := repo.LinkExists(context.Background(), "stu-1", "gua-1")
	require.NoError(t, err)
	require.True(t, exists)

	mock.ExpectQuery("SELECT 1 FROM student_guardians").
		WithArgs("stu-1", "gua-9").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	exists, err = repo.LinkExists(context.Background(), "stu-1", "gua-9")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardianRepositoryGuardianIDsByStudentsRespectsPreferences(t *testing.T) {
	db, mock, cleanup := newGuardianRepoMock(t)
	defer cleanup()
	repo := NewGuardianRepository(db)

	mock.ExpectQuery(`SELECT DISTINCT guardian_id FROM student_guardians WHERE student_id IN .+ AND receives_communications = TRUE`).
		WithArgs("stu-1", "stu-2").
		WillReturnRows(sqlmock.NewRows([]string{"guardian_id"}).AddRow("gua-1").AddRow("gua-2"))

	ids, err := repo.GuardianIDsByStudents(context.Background(), []string{"stu-1", "stu-2"}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"gua-1", "gua-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardianRepositoryGuardianIDsByStudentsEmptyInput(t *testing.T) {
	db, _, cleanup := newGuardianRepoMock(t)
	defer cleanup()
	repo := NewGuardianRepository(db)

	ids, err := repo.GuardianIDsByStudents(context.Background(), nil, false)
	require.NoError(t, err)
	require.Empty(t, ids)
}
