package ledger_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/ledger"
)

func TestPGAppendLocksHeadAndAdvances(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := ledger.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT head_hash FROM ledger_head WHERE id = 1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"head_hash"}).AddRow(ledger.GenesisHash))
	mock.ExpectExec("INSERT INTO decisions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_head SET head_hash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := store.Append(context.Background(), ledger.Candidate{
		Actor:         ledger.Actor{UserID: "u-1", Role: "Operator"},
		Intent:        ledger.Intent{Action: "PG_APPEND", TargetResource: "r-1"},
		Outcome:       ledger.OutcomeProposed,
		PolicyVersion: "v1",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.GenesisHash, d.PrevHash)
	assert.Len(t, d.Hash, 64)
	assert.NoError(t, ledger.VerifyIntegrity(d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendRollsBackOnHeadLockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := ledger.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT head_hash FROM ledger_head").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = store.Append(context.Background(), ledger.Candidate{
		Actor:         ledger.Actor{UserID: "u-1", Role: "Operator"},
		Intent:        ledger.Intent{Action: "PG_APPEND", TargetResource: "r-1"},
		Outcome:       ledger.OutcomeProposed,
		PolicyVersion: "v1",
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
