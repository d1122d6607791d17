package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/rankbot/internal/row"
)

func TestWhereUnsetMatchesNothing(t *testing.T) {
	p := NewParams(Postgres)
	sql := New(row.Fields{"foo": Unset}).Where(p)

	assert.Equal(t, "FALSE", sql)
	assert.Zero(t, p.Len())
}

func TestWhereBasics(t *testing.T) {
	tests := []struct {
		name   string
		c      *Composer
		want   string
		params []any
	}{
		{
			name:   "literal and null",
			c:      New(row.Fields{"user_id": "1", "expires_at": nil}),
			want:   `"expires_at" IS NULL AND "user_id" = $1`,
			params: []any{"1"},
		},
		{
			name:   "negated key",
			c:      New(row.Fields{Not("status"): "deleted"}),
			want:   `NOT "status" = $1`,
			params: []any{"deleted"},
		},
		{
			name:   "nested relation",
			c:      New(row.Fields{"position": row.Fields{"name": "mod"}}),
			want:   `"position"."name" = $1`,
			params: []any{"mod"},
		},
		{
			name: "raw fragment",
			c:    New(row.Fields{"given_at": Raw("now()")}),
			want: `"given_at" = now()`,
		},
		{
			name:   "sub-query key passes through",
			c:      New(row.Fields{"(SELECT count(*) FROM x)": 3}),
			want:   `(SELECT count(*) FROM x) = $1`,
			params: []any{3},
		},
		{
			name:   "or of groups",
			c:      Or(row.Fields{"level": 1}, row.Fields{"level": 2}),
			want:   `("level" = $1) OR ("level" = $2)`,
			params: []any{1, 2},
		},
		{
			name:   "like",
			c:      ILike(row.Fields{"name": "mod%"}),
			want:   `"name" ILIKE $1`,
			params: []any{"mod%"},
		},
		{
			name:   "empty group is skipped",
			c:      And(row.Fields{}, row.Fields{"a": 1}),
			want:   `"a" = $1`,
			params: []any{1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParams(Postgres)
			assert.Equal(t, tt.want, tt.c.Where(p))
			assert.Equal(t, tt.params, p.Values())
		})
	}
}

func TestWhereNestedComposersShareParams(t *testing.T) {
	c := And(
		row.Fields{"guild_id": "G"},
		Or(row.Fields{"role_id": "R1"}, row.Fields{"role_id": "R2"}),
	).WithParent("position_role")

	p := NewParams(Postgres)
	sql := c.Where(p)

	assert.Equal(t,
		`("position_role"."guild_id" = $1) AND (("position_role"."role_id" = $2) OR ("position_role"."role_id" = $3))`,
		sql)
	assert.Equal(t, []any{"G", "R1", "R2"}, p.Values())
}

func TestWhereMySQL(t *testing.T) {
	p := NewParams(MySQL)
	sql := New(row.Fields{"a": 1, "b": "x"}).Where(p)

	assert.Equal(t, "`a` = ? AND `b` = ?", sql)
	assert.Equal(t, []any{1, "x"}, p.Values())
}

func TestSetSkipsUnsetButKeepsNull(t *testing.T) {
	p := NewParams(Postgres)
	p.Add("already-bound")

	sql := New(row.Fields{"name": "B", "expires_at": nil, "level": Unset}).Set(p)

	assert.Equal(t, `"expires_at" = NULL, "name" = $2`, sql)
	assert.Equal(t, []any{"already-bound", "B"}, p.Values())
}

func TestInsert(t *testing.T) {
	p := NewParams(Postgres)
	sql := New(
		row.Fields{"user_id": "1", "name": "A"},
		row.Fields{"name": "B", "given_at": Raw("extract(epoch from now())")},
	).Insert(p)

	assert.Equal(t, `("given_at", "name", "user_id") VALUES (extract(epoch from now()), $1, $2)`, sql)
	assert.Equal(t, []any{"B", "1"}, p.Values())
	assert.Equal(t, "", New().Insert(NewParams(Postgres)))
}

func TestFuncProjections(t *testing.T) {
	p := NewParams(Postgres)
	assert.Equal(t, `guild => $1, kind => NULL`, New(row.Fields{"guild": "G", "kind": nil}).FuncParams(p))
	assert.Equal(t, `$2, $3`, New(row.Fields{"a": 1, "b": 2}).FuncArgs(p))
	assert.Equal(t, `$4, NULL`, Args(p, "x", Unset, nil))
	require.Equal(t, 4, p.Len())
}

func TestRowGroupUsesFields(t *testing.T) {
	s := &row.Schema{Table: "t", Columns: []string{"id"}, UniqueKeys: []string{"id"}}
	p := NewParams(Postgres)
	assert.Equal(t, `"id" = $1`, New(row.New(s, row.Fields{"id": 5})).Where(p))
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, `"a""b"`, Postgres.Quote(`a"b`))
	assert.Equal(t, "`a``b`", MySQL.Quote("a`b"))
	assert.Equal(t, MySQL.Name, DialectFor("mysql").Name)
	assert.Equal(t, Postgres.Name, DialectFor("pgx").Name)
}

func TestCompare(t *testing.T) {
	p := NewParams(Postgres)
	sql := And(
		row.Fields{"user_id": "u"},
		Compare("<=", row.Fields{"expires_at": 10}),
	).Where(p)

	assert.Equal(t, `("user_id" = $1) AND ("expires_at" <= $2)`, sql)
	assert.Equal(t, []any{"u", 10}, p.Values())
	require.NoError(t, And(row.Fields{"a": 1}, Compare("<", row.Fields{"b": 2})).Err())
	assert.ErrorIs(t, Compare("~", row.Fields{"a": 1}).Err(), ErrBadFilter)
}

func TestUnsupportedGroupIsRecorded(t *testing.T) {
	c := New("123")
	assert.ErrorIs(t, c.Err(), ErrBadFilter)
	assert.Empty(t, c.Where(NewParams(Postgres)))

	nested := And(row.Fields{"a": 1}, Or(42))
	assert.ErrorIs(t, nested.Err(), ErrBadFilter)
}
