package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return New(db), mock, db
}

func testKeyPair(gen int) *secrets.KeyPair {
	return &secrets.KeyPair{
		Principal:  secrets.Principal{ID: "alice", Kind: secrets.KindUser},
		Generation: gen,
		PublicKey:  []byte("pem"),
	}
}

func TestCreateKeyPair_ExistsWhenNoRowsAffected(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO key_pairs`)).
		WithArgs("alice", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateKeyPair(context.Background(), testKeyPair(1))
	assert.ErrorIs(t, err, terrors.ErrPublicKeyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceKeyPair_GenerationConflict(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE key_pairs SET generation = \$2, .* WHERE principal_id = \$1 AND generation = \$4`).
		WithArgs("alice", int64(3), sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key_pair FROM key_pairs WHERE principal_id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"key_pair"}).AddRow([]byte(`{"principal":{"id":"alice"},"generation":1}`)))

	err := s.ReplaceKeyPair(context.Background(), testKeyPair(3))
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceKeyPair_UnknownPrincipal(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE key_pairs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key_pair FROM key_pairs`).
		WillReturnError(sql.ErrNoRows)

	err := s.ReplaceKeyPair(context.Background(), testKeyPair(2))
	assert.ErrorIs(t, err, terrors.ErrPrincipalNotFound)
}

func TestUpdateFolder_StaleLengthRollsBack(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, org_id, parent_id, name, key_id, envelopes, pending, created_at\s+FROM folders WHERE id = \$1 FOR UPDATE`).
		WithArgs("f").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "parent_id", "name", "key_id", "envelopes", "pending", "created_at"}).
			AddRow("f", "org", nil, "f", "k1", []byte(`{}`), nil, time.Now()))
	mock.ExpectQuery(`SELECT entry FROM folder_upgrades WHERE folder_id = \$1`).
		WithArgs("f").
		WillReturnRows(sqlmock.NewRows([]string{"entry"}).
			AddRow([]byte(`{"sequence_number":0,"operation":"Create","principal_id":"a","key_id":"k1","timestamp":"2024-01-01T00:00:00Z"}`)))
	mock.ExpectRollback()

	_, err := s.UpdateFolder(context.Background(), "f", store.FolderUpdate{ExpectedLength: 3})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetObject_NotFound(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, folder_id, sealed, staged, created_at FROM objects WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetObject(context.Background(), "nope")
	assert.ErrorIs(t, err, terrors.ErrObjectNotFound)
}

// setupTestContainer starts a PostgreSQL container and returns its DSN.
func setupTestContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	postgresContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("tresor_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Should start PostgreSQL container")
	t.Cleanup(func() {
		_ = postgresContainer.Terminate(context.Background())
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Should get connection string")
	return connStr
}

func TestStore_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	s, err := Open(ctx, setupTestContainer(t, ctx))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := s.db.ExecContext(ctx, `TRUNCATE objects, folder_upgrades, folders, key_pairs`)
		require.NoError(t, err)
		return s
	})
}
