package database

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements(t *testing.T) {
	stmts := Statements()
	require.NotEmpty(t, stmts)

	for _, s := range stmts {
		assert.NotContains(t, s, "--")
		assert.True(t, strings.HasPrefix(s, "CREATE"), s)
	}
	assert.Contains(t, Schema(), "ux_workorders_alarm_active")
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	stmts := Statements()
	for _, s := range stmts {
		mock.ExpectExec(regexp.QuoteMeta(s)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	n, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, len(stmts), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	stmts := Statements()
	mock.ExpectExec(regexp.QuoteMeta(stmts[0])).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmts[1])).WillReturnError(errors.New("permission denied"))

	n, err := Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "statement 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}
