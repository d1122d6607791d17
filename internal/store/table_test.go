// internal/store/table_test.go
//
// Unit-tests for the read-through table store using sqlmock.
//
// Run: go test ./internal/store -v

package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/statement"
)

var profileSchema = &row.Schema{
	Table:      "user_profile",
	Columns:    []string{"user_id", "name"},
	UniqueKeys: []string{"user_id"},
}

func newTable(t *testing.T, driver string) (*Table, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTable(sqlx.NewDb(db, driver), profileSchema, cache.New("user_profile")), mock
}

func profileRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "name"})
}

func TestFetchPushesIntoCache(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile" WHERE "name" = $1`)).
		WithArgs("A").
		WillReturnRows(profileRows().AddRow("1", "A").AddRow("2", "A"))

	got, err := tbl.Fetch(context.Background(), row.Fields{"name": "A"})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(got) != 2 || tbl.Cache().Len() != 2 {
		t.Fatalf("unexpected result: %d rows, %d cached", len(got), tbl.Cache().Len())
	}
	if got[0] != tbl.Cache().Resolve("1") {
		t.Fatalf("Fetch must return the canonical cached row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestFetchAllReplacesCache(t *testing.T) {
	tbl, mock := newTable(t, "pgx")
	tbl.Cache().Push(row.New(profileSchema, row.Fields{"user_id": "9", "name": "gone"}), nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile"`)).
		WillReturnRows(profileRows().AddRow("1", "A"))

	got, err := tbl.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll error: %v", err)
	}
	if len(got) != 1 || got[0].ID() != "1" {
		t.Fatalf("unexpected rows: %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestFindReadsThroughOnce(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile" WHERE "user_id" = $1`)).
		WithArgs("1").
		WillReturnRows(profileRows().AddRow("1", "A"))

	for i := 0; i < 2; i++ {
		r, err := tbl.Find(context.Background(), row.Fields{"user_id": "1"})
		if err != nil {
			t.Fatalf("Find error: %v", err)
		}
		if r.String("name") != "A" {
			t.Fatalf("unexpected row %#v", r)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestFindNotFound(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile" WHERE "user_id" = $1`)).
		WithArgs("7").
		WillReturnRows(profileRows())

	_, err := tbl.Find(context.Background(), row.Fields{"user_id": "7"})
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchUnsetMatchesNothing(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile" WHERE FALSE`)).
		WillReturnRows(profileRows())

	got, err := tbl.Fetch(context.Background(), row.Fields{"user_id": statement.Unset})
	if err != nil || len(got) != 0 {
		t.Fatalf("unexpected result: %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestCreateReturning(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(
		`INSERT INTO "user_profile" ("name", "user_id") VALUES ($1, $2) RETURNING *`,
	)).
		WithArgs("A", "1").
		WillReturnRows(profileRows().AddRow("1", "A"))

	r, err := tbl.Create(context.Background(), row.New(profileSchema, row.Fields{"user_id": "1", "name": "A"}))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if r != tbl.Cache().Resolve("1") {
		t.Fatalf("created row not cached")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateReturning(t *testing.T) {
	tbl, mock := newTable(t, "pgx")
	tbl.Cache().Push(row.New(profileSchema, row.Fields{"user_id": "1", "name": "A"}), nil)

	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE "user_profile" SET "name" = $1 WHERE "user_id" = $2 RETURNING *`,
	)).
		WithArgs("B", "1").
		WillReturnRows(profileRows().AddRow("1", "B"))

	got, err := tbl.Update(context.Background(), row.Fields{"user_id": "1"}, row.Fields{"name": "B"})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if len(got) != 1 || tbl.Cache().Resolve("1").String("name") != "B" {
		t.Fatalf("cache not updated: %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateMySQL(t *testing.T) {
	tbl, mock := newTable(t, "mysql")
	tbl.Cache().Push(row.New(profileSchema, row.Fields{"user_id": "1", "name": "A"}), nil)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `user_profile` SET `name` = ? WHERE `user_id` = ?")).
		WithArgs("B", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := tbl.Update(context.Background(), row.Fields{"user_id": "1"}, row.Fields{"name": "B"}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if got := tbl.Cache().Resolve("1").String("name"); got != "B" {
		t.Fatalf("cache name = %q, want B", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateRefusesEmptySelector(t *testing.T) {
	tbl, _ := newTable(t, "pgx")
	if _, err := tbl.Update(context.Background(), row.Fields{}, row.Fields{"name": "B"}); err != ErrEmptySelector {
		t.Fatalf("expected ErrEmptySelector, got %v", err)
	}
	if _, err := tbl.Remove(context.Background(), nil); err != ErrEmptySelector {
		t.Fatalf("expected ErrEmptySelector, got %v", err)
	}
}

func TestRemoveEvicts(t *testing.T) {
	tbl, mock := newTable(t, "pgx")
	tbl.Cache().Push(row.New(profileSchema, row.Fields{"user_id": "1", "name": "A"}), nil)

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "user_profile" WHERE "user_id" = $1 RETURNING *`)).
		WithArgs("1").
		WillReturnRows(profileRows().AddRow("1", "A"))

	if _, err := tbl.Remove(context.Background(), row.Fields{"user_id": "1"}); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if tbl.Cache().Len() != 0 {
		t.Fatalf("row still cached")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestCall(t *testing.T) {
	tbl, mock := newTable(t, "pgx")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "expire_user_positions"(now => $1)`)).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"expired"}).AddRow(int64(3)))

	got, err := tbl.Call(context.Background(), "expire_user_positions", row.Fields{"now": int64(100)})
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if len(got) != 1 || got[0]["expired"] != int64(3) {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	tbl, mock := newTable(t, "pgx")
	tbl.Cache().Push(row.New(profileSchema, row.Fields{"user_id": "1", "name": "A"}), nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_profile"`)).
		WillReturnError(context.DeadlineExceeded)

	_, err := tbl.FetchAll(context.Background())
	if !IsTimeout(err) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if tbl.Cache().Len() != 1 {
		t.Fatalf("failed fetch must keep the last good cache state")
	}
}

func TestUnsupportedFilterIsRejected(t *testing.T) {
	tbl, mock := newTable(t, "pgx")
	ctx := context.Background()

	if _, err := tbl.Fetch(ctx, "123"); !errors.Is(err, ErrBadFilter) {
		t.Fatalf("Fetch: expected ErrBadFilter, got %v", err)
	}
	if _, err := tbl.Update(ctx, 123, row.Fields{"name": "B"}); !errors.Is(err, ErrBadFilter) {
		t.Fatalf("Update: expected ErrBadFilter, got %v", err)
	}
	if _, err := tbl.Remove(ctx, statement.Compare("~", row.Fields{"name": "A"})); !errors.Is(err, ErrBadFilter) {
		t.Fatalf("Remove: expected ErrBadFilter, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL may run for a bad filter: %v", err)
	}
}
