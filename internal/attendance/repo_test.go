package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestRepoUpsertMarkBlockedByBinding(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	// the conditional update arm did not fire: zero rows affected
	mock.ExpectExec("INSERT INTO attendance_marks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	wrote, err := repo.UpsertMark(context.Background(), Mark{
		SessionID: "s1", UID: "u1", Status: StatusPresent, DeviceHash: str("d2"), MarkedAt: time.Now(),
	}, true)
	assert.NoError(t, err)
	assert.False(t, wrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoUpsertMarkWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectExec("INSERT INTO attendance_marks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	wrote, err := repo.UpsertMark(context.Background(), Mark{
		SessionID: "s1", UID: "u1", Status: StatusPresent, DeviceHash: str("d1"), MarkedAt: time.Now(),
	}, true)
	assert.NoError(t, err)
	assert.True(t, wrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoGetSessionAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM attendance_sessions").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(nil))

	s, err := repo.GetSession(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoCloseExpiredCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectExec("UPDATE attendance_sessions SET status = 'closed'").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.CloseExpired(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoInsertEventFillsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectExec("INSERT INTO attendance_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.InsertEvent(context.Background(), Event{
		SessionID: "s1", Type: EventDeviceChange, UID: "u1",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
