package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestFetchSpan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT text FROM documents").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"text"}).AddRow("the quick brown fox"))

	got, err := store.FetchSpan(context.Background(), "doc-1", 4, 9)
	require.NoError(t, err)
	assert.Equal(t, "quick", got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchSpanMultibyte(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT text FROM documents").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"text"}).AddRow("naïve déjà vu"))

	got, err := store.FetchSpan(context.Background(), "doc-1", 6, 10)
	require.NoError(t, err)
	assert.Equal(t, "déjà", got)
}

func TestFetchSpanOutOfRange(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT text FROM documents").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"text"}).AddRow("short"))

	_, err := store.FetchSpan(context.Background(), "doc-1", 0, 100)
	assert.ErrorIs(t, err, ErrSpanOutOfRange)
}

func TestFetchSpanDocumentMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT text FROM documents").
		WithArgs("doc-gone").
		WillReturnRows(sqlmock.NewRows([]string{"text"}))

	_, err := store.FetchSpan(context.Background(), "doc-gone", 0, 5)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestStaleSince(t *testing.T) {
	store, mock := newMockStore(t)

	minted := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	reingested := minted.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT ingested_at FROM documents").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"ingested_at"}).AddRow(reingested))

	stale, err := store.StaleSince(context.Background(), "doc-1", minted)
	require.NoError(t, err)
	assert.True(t, stale)

	mock.ExpectQuery("SELECT ingested_at FROM documents").
		WithArgs("doc-2").
		WillReturnRows(sqlmock.NewRows([]string{"ingested_at"}).AddRow(minted.Add(-time.Hour)))

	stale, err = store.StaleSince(context.Background(), "doc-2", minted)
	require.NoError(t, err)
	assert.False(t, stale)
}
