package backend

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackendInvokeWithSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewPostgresBackend("us-east-1", db)
	ctx := WithSession(context.Background(), SessionContext{AppVersion: "1.5.0", AppName: "customer", APIVersion: "v3"})

	mock.ExpectBegin()
	setConfig := regexp.QuoteMeta("SELECT set_config($1, $2, true)")
	mock.ExpectExec(setConfig).WithArgs("app.app_version", "1.5.0").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(setConfig).WithArgs("app.app_name", "customer").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(setConfig).WithArgs("app.api_version", "v3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "get_smart_menu"($1::jsonb)::text`)).
		WithArgs(`{"store_id":1}`).
		WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(`{"items":[]}`))
	mock.ExpectCommit()

	out, err := b.Invoke(ctx, "get_smart_menu", json.RawMessage(`{"store_id":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendInvokeNullResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "ping"($1::jsonb)::text`)).
		WithArgs("{}").
		WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(nil))
	mock.ExpectCommit()

	out, err := NewPostgresBackend("us-east-1", db).Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendRemoteError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "place_order"($1::jsonb)::text`)).
		WillReturnError(&pq.Error{Code: "P0001", Message: "store is closed"})
	mock.ExpectRollback()

	_, err = NewPostgresBackend("us-east-1", db).Invoke(context.Background(), "place_order", json.RawMessage(`{}`))
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "P0001", remote.Code)
	assert.Equal(t, "store is closed", remote.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendUnreachable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp 10.0.0.1:5432: connection refused"))

	_, err = NewPostgresBackend("eu-west-1", db).Invoke(context.Background(), "get_menu", nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendSetSessionContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "set_request_context"($1::jsonb)::text`)).
		WithArgs(`{"app_version":"1.0.0","app_name":"web","api_version":"v1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(nil))
	mock.ExpectCommit()

	err = NewPostgresBackend("us-east-1", db).SetSessionContext(context.Background(),
		SessionContext{AppVersion: "1.0.0", AppName: "web", APIVersion: "v1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendRejectsInvalidOperation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresBackend("us-east-1", db).Invoke(context.Background(), "pg_sleep(10);--", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.NoError(t, mock.ExpectationsWereMet())
}
