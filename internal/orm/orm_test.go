package orm

import (
	"encoding/json"
	"testing"
)

func TestFieldFilterOperatorBeforeValue(t *testing.T) {
	t.Parallel()

	t.Run("operator object decodes as operator", func(t *testing.T) {
		t.Parallel()
		var f FieldFilter
		if err := json.Unmarshal([]byte(`{"$gte": "2024-01-01"}`), &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !f.IsOperator() {
			t.Fatal("$-prefixed object must decode as operator filter")
		}
		if string(f.Operators[OpGte]) != `"2024-01-01"` {
			t.Fatalf("operand lost: %s", f.Operators[OpGte])
		}
	})

	t.Run("plain value decodes as value", func(t *testing.T) {
		t.Parallel()
		var f FieldFilter
		if err := json.Unmarshal([]byte(`"Joel"`), &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.IsOperator() {
			t.Fatal("plain string must decode as value filter")
		}
		if string(f.Value) != `"Joel"` {
			t.Fatalf("value lost: %s", f.Value)
		}
	})

	t.Run("object value without operators stays a value", func(t *testing.T) {
		t.Parallel()
		var f FieldFilter
		if err := json.Unmarshal([]byte(`{"nested": 1}`), &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.IsOperator() {
			t.Fatal("non-operator object must stay a value filter")
		}
	})

	t.Run("mixed keys stay a value", func(t *testing.T) {
		t.Parallel()
		var f FieldFilter
		if err := json.Unmarshal([]byte(`{"$eq": 1, "other": 2}`), &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.IsOperator() {
			t.Fatal("partially-operator object must not decode as operator")
		}
	})
}

func TestFieldFilterRoundTrip(t *testing.T) {
	t.Parallel()

	in := Op(OpIn, []int{1, 2})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out FieldFilter
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.IsOperator() || string(out.Operators[OpIn]) != "[1,2]" {
		t.Fatalf("round trip lost operator: %+v", out)
	}
}

func TestQueryBuilder(t *testing.T) {
	t.Parallel()

	query := NewQuery("chatMessages").
		FilterEq("roomId", "room-7").
		Filter("timestamp", Op(OpGte, "2024-01-01")).
		SortDesc("timestamp").
		Limit(10).
		Offset(5).
		Build()

	if query.Collection != "chatMessages" {
		t.Fatalf("collection: %s", query.Collection)
	}
	if len(query.Filter) != 2 {
		t.Fatalf("want 2 filters, got %d", len(query.Filter))
	}
	if query.Filter["roomId"].IsOperator() {
		t.Fatal("FilterEq must produce a value filter")
	}
	if !query.Filter["timestamp"].IsOperator() {
		t.Fatal("Filter with Op must produce an operator filter")
	}
	if query.Limit != 10 || query.Offset != 5 {
		t.Fatalf("limit/offset: %d/%d", query.Limit, query.Offset)
	}
	if len(query.Sort) != 1 || query.Sort[0].Direction != SortDesc {
		t.Fatalf("sort: %+v", query.Sort)
	}
}

func TestStorageQueryJSONDecode(t *testing.T) {
	t.Parallel()

	raw := `{
		"collection": "messages",
		"filter": {
			"roomId": "r1",
			"priority": {"$in": [1, 2]},
			"deletedAt": {"$isNull": null}
		},
		"sort": [{"field": "timestamp", "direction": "desc"}],
		"limit": 20
	}`
	var query StorageQuery
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if query.Filter["roomId"].IsOperator() {
		t.Fatal("roomId should be a value filter")
	}
	if !query.Filter["priority"].IsOperator() {
		t.Fatal("priority should be an operator filter")
	}
	if !query.Filter["deletedAt"].IsOperator() {
		t.Fatal("deletedAt should be an operator filter")
	}
}

func TestNaming(t *testing.T) {
	t.Parallel()

	cases := []struct{ camel, snake string }{
		{"chatMessages", "chat_messages"},
		{"userId", "user_id"},
		{"already_snake", "already_snake"},
	}
	for _, tc := range cases {
		if got := ToSnakeCase(tc.camel); got != tc.snake {
			t.Errorf("ToSnakeCase(%q) = %q, want %q", tc.camel, got, tc.snake)
		}
		if got := ToCamelCase(tc.snake); tc.camel != "already_snake" && got != tc.camel {
			t.Errorf("ToCamelCase(%q) = %q, want %q", tc.snake, got, tc.camel)
		}
	}

	if got := ToTableName("chatMessages"); got != "chat_messages" {
		t.Fatalf("table name: %q", got)
	}
	if got := ToCollectionName("chat_messages"); got != "chatMessages" {
		t.Fatalf("collection name: %q", got)
	}
}
