package postgres

import (
	"strings"
	"testing"

	"github.com/continuumrt/continuum/internal/orm"
)

// buildSelect needs no live connection, so the SQL translation is testable
// without a database.

func TestBuildSelectBasic(t *testing.T) {
	t.Parallel()

	a := New()
	query := orm.NewQuery("chatMessages").
		FilterEq("roomId", "room-7").
		SortDesc("timestamp").
		Limit(10).
		Offset(5).
		Build()

	sql, args, err := a.buildSelect(query, "id, data, version")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{
		`FROM "chat_messages"`,
		`data->>'roomId' = $1`,
		`ORDER BY data->>'timestamp' DESC`,
		"LIMIT 10",
		"OFFSET 5",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("sql %q missing %q", sql, want)
		}
	}
	if len(args) != 1 || args[0] != "room-7" {
		t.Fatalf("args: %v", args)
	}
}

func TestBuildSelectOperators(t *testing.T) {
	t.Parallel()

	a := New()
	cases := []struct {
		name   string
		filter orm.FieldFilter
		want   string
	}{
		{"gte", orm.Op(orm.OpGte, "2024-01-01"), ">= $1"},
		{"ne", orm.Op(orm.OpNe, "x"), "<> $1"},
		{"contains", orm.Op(orm.OpContains, "hello"), "ILIKE $1"},
		{"regex", orm.Op(orm.OpRegex, "^a"), "~ $1"},
		{"in", orm.Op(orm.OpIn, []string{"a", "b"}), "= ANY($1)"},
		{"nin", orm.Op(orm.OpNin, []string{"a"}), "NOT data->>'f' = ANY($1)"},
		{"is null", orm.Op(orm.OpIsNull, nil), "IS NULL"},
		{"is not null", orm.Op(orm.OpIsNotNull, nil), "IS NOT NULL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			query := orm.NewQuery("records").Filter("f", tc.filter).Build()
			sql, _, err := a.buildSelect(query, "COUNT(*)")
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if !strings.Contains(sql, tc.want) {
				t.Fatalf("sql %q missing %q", sql, tc.want)
			}
		})
	}
}

func TestBuildSelectExistsVariants(t *testing.T) {
	t.Parallel()

	a := New()
	sql, _, err := a.buildSelect(orm.NewQuery("r").Filter("f", orm.Op(orm.OpExists, true)).Build(), "*")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "IS NOT NULL") {
		t.Fatalf("exists(true) should render IS NOT NULL: %q", sql)
	}

	sql, _, err = a.buildSelect(orm.NewQuery("r").Filter("f", orm.Op(orm.OpExists, false)).Build(), "*")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "IS NULL") {
		t.Fatalf("exists(false) should render IS NULL: %q", sql)
	}
}

func TestBuildSelectTimeRangeAndCursor(t *testing.T) {
	t.Parallel()

	a := New()
	query := orm.NewQuery("events").Build()
	query.TimeRange = &orm.TimeRange{Start: "2024-01-01", End: "2024-02-01"}
	query.Cursor = &orm.Cursor{Field: "id", Value: []byte(`"abc"`), Direction: orm.CursorAfter}

	sql, args, err := a.buildSelect(query, "*")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "data->>'timestamp' >= $") || !strings.Contains(sql, "data->>'timestamp' <= $") {
		t.Fatalf("time range missing: %q", sql)
	}
	if !strings.Contains(sql, "data->>'id' > $") {
		t.Fatalf("cursor missing: %q", sql)
	}
	if len(args) != 3 {
		t.Fatalf("want 3 args, got %v", args)
	}
}

func TestNamespaceQualifiesTables(t *testing.T) {
	t.Parallel()

	a := New()
	a.namespace = "tenant_a"
	if got := a.tableName("chatMessages"); got != `"tenant_a"."chat_messages"` {
		t.Fatalf("table name: %q", got)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := New().Capabilities()
	if !caps.VectorSearch || !caps.Joins || !caps.Batch {
		t.Fatalf("postgres should advertise vector/join/batch support: %+v", caps)
	}
}
