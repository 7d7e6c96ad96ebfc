// Package postgres is the reference StorageAdapter implementation, backed
// by pgx with pgvector-typed embedding columns. Each logical collection
// maps to one table holding the record body as JSONB; filters push down to
// JSONB operators.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/continuumrt/continuum/internal/orm"
)

// Adapter implements orm.StorageAdapter on PostgreSQL.
type Adapter struct {
	pool      *pgxpool.Pool
	namespace string
}

// Compile-time check.
var _ orm.StorageAdapter = (*Adapter)(nil)

// New creates an uninitialised adapter; call Initialize before use.
func New() *Adapter { return &Adapter{} }

// Name implements orm.StorageAdapter.
func (a *Adapter) Name() string { return "postgres" }

// Capabilities implements orm.StorageAdapter.
func (a *Adapter) Capabilities() orm.AdapterCapabilities {
	return orm.AdapterCapabilities{
		Transactions:   true,
		Indexing:       true,
		FullTextSearch: true,
		VectorSearch:   true,
		Joins:          true,
		Batch:          true,
	}
}

// Initialize implements orm.StorageAdapter.
func (a *Adapter) Initialize(ctx context.Context, cfg orm.AdapterConfig) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("postgres adapter: parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres adapter: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres adapter: ping: %w", err)
	}
	a.pool = pool
	a.namespace = cfg.Namespace
	return nil
}

// Close implements orm.StorageAdapter.
func (a *Adapter) Close(context.Context) error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

// tableName maps a collection to its (optionally namespaced) table.
func (a *Adapter) tableName(collection string) string {
	table := orm.ToTableName(collection)
	if a.namespace != "" {
		return pgx.Identifier{a.namespace, table}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// Create implements orm.StorageAdapter.
func (a *Adapter) Create(ctx context.Context, record orm.DataRecord) (orm.DataRecord, error) {
	sql := fmt.Sprintf(
		`INSERT INTO %s (id, data, version) VALUES ($1, $2, 1) RETURNING version`,
		a.tableName(record.Collection),
	)
	if err := a.pool.QueryRow(ctx, sql, record.ID, record.Data).Scan(&record.Version); err != nil {
		return orm.DataRecord{}, fmt.Errorf("create %s/%s: %w", record.Collection, record.ID, err)
	}
	return record, nil
}

// Read implements orm.StorageAdapter.
func (a *Adapter) Read(ctx context.Context, collection string, id orm.UUID) (orm.DataRecord, error) {
	sql := fmt.Sprintf(`SELECT data, version FROM %s WHERE id = $1`, a.tableName(collection))
	rec := orm.DataRecord{ID: id, Collection: collection}
	err := a.pool.QueryRow(ctx, sql, id).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return orm.DataRecord{}, fmt.Errorf("%s/%s not found", collection, id)
	}
	if err != nil {
		return orm.DataRecord{}, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Query implements orm.StorageAdapter.
func (a *Adapter) Query(ctx context.Context, query orm.StorageQuery) ([]orm.DataRecord, error) {
	sql, args, err := a.buildSelect(query, "id, data, version")
	if err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", query.Collection, err)
	}
	defer rows.Close()

	var out []orm.DataRecord
	for rows.Next() {
		rec := orm.DataRecord{Collection: query.Collection}
		if err := rows.Scan(&rec.ID, &rec.Data, &rec.Version); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryWithJoin implements orm.StorageAdapter. Joined records are fetched
// per parent batch and nested under the join alias.
func (a *Adapter) QueryWithJoin(ctx context.Context, query orm.StorageQuery) ([]orm.DataRecord, error) {
	records, err := a.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, join := range query.Joins {
		if err := a.resolveJoin(ctx, records, join); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (a *Adapter) resolveJoin(ctx context.Context, records []orm.DataRecord, join orm.JoinSpec) error {
	if len(records) == 0 {
		return nil
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if key := jsonField(rec.Data, join.LocalField); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	sql := fmt.Sprintf(
		`SELECT id, data FROM %s WHERE data->>'%s' = ANY($1)`,
		a.tableName(join.Collection), join.ForeignField,
	)
	rows, err := a.pool.Query(ctx, sql, keys)
	if err != nil {
		return fmt.Errorf("join %s: %w", join.Collection, err)
	}
	defer rows.Close()

	byKey := map[string][]json.RawMessage{}
	for rows.Next() {
		var id string
		var data json.RawMessage
		if err := rows.Scan(&id, &data); err != nil {
			return err
		}
		key := jsonField(data, join.ForeignField)
		byKey[key] = append(byKey[key], data)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range records {
		key := jsonField(records[i].Data, join.LocalField)
		matches := byKey[key]
		if len(matches) == 0 && join.JoinType == orm.JoinInner {
			continue
		}
		joined, _ := json.Marshal(matches)
		if records[i].Joined == nil {
			records[i].Joined = map[string]json.RawMessage{}
		}
		records[i].Joined[join.Alias] = joined
	}
	return nil
}

// Count implements orm.StorageAdapter using SQL COUNT rather than
// fetching rows.
func (a *Adapter) Count(ctx context.Context, query orm.StorageQuery) (int, error) {
	query.Limit = 0
	query.Offset = 0
	query.Sort = nil
	sql, args, err := a.buildSelect(query, "COUNT(*)")
	if err != nil {
		return 0, err
	}
	var n int
	if err := a.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", query.Collection, err)
	}
	return n, nil
}

// Update implements orm.StorageAdapter.
func (a *Adapter) Update(ctx context.Context, collection string, id orm.UUID, data json.RawMessage, incrementVersion bool) (orm.DataRecord, error) {
	bump := ""
	if incrementVersion {
		bump = ", version = version + 1"
	}
	sql := fmt.Sprintf(
		`UPDATE %s SET data = data || $2::jsonb%s WHERE id = $1 RETURNING data, version`,
		a.tableName(collection), bump,
	)
	rec := orm.DataRecord{ID: id, Collection: collection}
	err := a.pool.QueryRow(ctx, sql, id, data).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return orm.DataRecord{}, fmt.Errorf("%s/%s not found", collection, id)
	}
	if err != nil {
		return orm.DataRecord{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Delete implements orm.StorageAdapter.
func (a *Adapter) Delete(ctx context.Context, collection string, id orm.UUID) (bool, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, a.tableName(collection))
	tag, err := a.pool.Exec(ctx, sql, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Batch implements orm.StorageAdapter inside one transaction.
func (a *Adapter) Batch(ctx context.Context, operations []orm.BatchOperation) ([]json.RawMessage, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	results := make([]json.RawMessage, 0, len(operations))
	for i, op := range operations {
		var result json.RawMessage
		switch op.Kind {
		case "create":
			sql := fmt.Sprintf(`INSERT INTO %s (id, data, version) VALUES ($1, $2, 1)`, a.tableName(op.Collection))
			if _, err := tx.Exec(ctx, sql, op.ID, op.Data); err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			result, _ = json.Marshal(map[string]string{"created": op.ID})
		case "update":
			sql := fmt.Sprintf(`UPDATE %s SET data = data || $2::jsonb WHERE id = $1`, a.tableName(op.Collection))
			if _, err := tx.Exec(ctx, sql, op.ID, op.Data); err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			result, _ = json.Marshal(map[string]string{"updated": op.ID})
		case "delete":
			sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, a.tableName(op.Collection))
			if _, err := tx.Exec(ctx, sql, op.ID); err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			result, _ = json.Marshal(map[string]string{"deleted": op.ID})
		default:
			return nil, fmt.Errorf("batch op %d: unknown kind %q", i, op.Kind)
		}
		results = append(results, result)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("batch: commit: %w", err)
	}
	return results, nil
}

// EnsureSchema implements orm.StorageAdapter: the base table plus an
// optional pgvector column and declared indexes.
func (a *Adapter) EnsureSchema(ctx context.Context, schema orm.CollectionSchema) error {
	table := a.tableName(schema.Collection)
	base := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL DEFAULT '{}',
			version INT NOT NULL DEFAULT 1
		)`, table)
	if _, err := a.pool.Exec(ctx, base); err != nil {
		return fmt.Errorf("ensure schema %s: %w", schema.Collection, err)
	}

	for _, field := range schema.Fields {
		if field.Type == orm.FieldVector {
			dims := field.Dimensions
			if dims <= 0 {
				dims = 1536
			}
			alter := fmt.Sprintf(
				`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s vector(%d)`,
				table, pgx.Identifier{orm.ToSnakeCase(field.Name)}.Sanitize(), dims,
			)
			if _, err := a.pool.Exec(ctx, alter); err != nil {
				return fmt.Errorf("ensure vector column %s.%s: %w", schema.Collection, field.Name, err)
			}
			continue
		}
		if field.Indexed {
			idx := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON %s ((data->>'%s'))`,
				pgx.Identifier{orm.ToTableName(schema.Collection) + "_" + orm.ToSnakeCase(field.Name) + "_idx"}.Sanitize(),
				table, field.Name,
			)
			if _, err := a.pool.Exec(ctx, idx); err != nil {
				return fmt.Errorf("ensure index %s.%s: %w", schema.Collection, field.Name, err)
			}
		}
	}
	return nil
}

// ListCollections implements orm.StorageAdapter.
func (a *Adapter) ListCollections(ctx context.Context) ([]string, error) {
	schema := a.namespace
	if schema == "" {
		schema = "public"
	}
	rows, err := a.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1`, schema)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, err
		}
		out = append(out, orm.ToCollectionName(table))
	}
	return out, rows.Err()
}

// CollectionStats implements orm.StorageAdapter.
func (a *Adapter) CollectionStats(ctx context.Context, collection string) (orm.CollectionStats, error) {
	var count int
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, a.tableName(collection))
	if err := a.pool.QueryRow(ctx, sql).Scan(&count); err != nil {
		return orm.CollectionStats{}, fmt.Errorf("stats %s: %w", collection, err)
	}
	return orm.CollectionStats{Collection: collection, RecordCount: count}, nil
}

// Truncate implements orm.StorageAdapter.
func (a *Adapter) Truncate(ctx context.Context, collection string) (bool, error) {
	sql := fmt.Sprintf(`TRUNCATE TABLE %s`, a.tableName(collection))
	if _, err := a.pool.Exec(ctx, sql); err != nil {
		return false, fmt.Errorf("truncate %s: %w", collection, err)
	}
	return true, nil
}

// ClearAll implements orm.StorageAdapter.
func (a *Adapter) ClearAll(ctx context.Context) (orm.ClearAllResult, error) {
	collections, err := a.ListCollections(ctx)
	if err != nil {
		return orm.ClearAllResult{}, err
	}
	result := orm.ClearAllResult{}
	for _, collection := range collections {
		stats, err := a.CollectionStats(ctx, collection)
		if err != nil {
			return result, err
		}
		if _, err := a.Truncate(ctx, collection); err != nil {
			return result, err
		}
		result.TablesCleared = append(result.TablesCleared, orm.ToTableName(collection))
		result.RecordsDeleted += stats.RecordCount
	}
	return result, nil
}

// Cleanup implements orm.StorageAdapter.
func (a *Adapter) Cleanup(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, `VACUUM ANALYZE`); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

// buildSelect renders a StorageQuery as SQL with positional args.
func (a *Adapter) buildSelect(query orm.StorageQuery, columns string) (string, []any, error) {
	var where []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for field, filter := range query.Filter {
		expr := fmt.Sprintf("data->>'%s'", field)
		if !filter.IsOperator() {
			where = append(where, fmt.Sprintf("%s = %s", expr, arg(rawToText(filter.Value))))
			continue
		}
		for op, operand := range filter.Operators {
			clause, err := operatorClause(expr, op, operand, arg)
			if err != nil {
				return "", nil, err
			}
			where = append(where, clause)
		}
	}

	if query.TimeRange != nil {
		if query.TimeRange.Start != "" {
			where = append(where, fmt.Sprintf("data->>'timestamp' >= %s", arg(query.TimeRange.Start)))
		}
		if query.TimeRange.End != "" {
			where = append(where, fmt.Sprintf("data->>'timestamp' <= %s", arg(query.TimeRange.End)))
		}
	}
	if len(query.Tags) > 0 {
		where = append(where, fmt.Sprintf("data->'tags' ?| %s", arg(query.Tags)))
	}
	if query.Cursor != nil {
		op := ">"
		if query.Cursor.Direction == orm.CursorBefore {
			op = "<"
		}
		where = append(where, fmt.Sprintf("data->>'%s' %s %s",
			query.Cursor.Field, op, arg(rawToText(query.Cursor.Value))))
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", columns, a.tableName(query.Collection))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if len(query.Sort) > 0 {
		var orders []string
		for _, spec := range query.Sort {
			dir := "ASC"
			if spec.Direction == orm.SortDesc {
				dir = "DESC"
			}
			orders = append(orders, fmt.Sprintf("data->>'%s' %s", spec.Field, dir))
		}
		sql += " ORDER BY " + strings.Join(orders, ", ")
	}
	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", query.Limit)
	}
	if query.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", query.Offset)
	}
	return sql, args, nil
}

func operatorClause(expr, op string, operand json.RawMessage, arg func(any) string) (string, error) {
	switch op {
	case orm.OpEq:
		return fmt.Sprintf("%s = %s", expr, arg(rawToText(operand))), nil
	case orm.OpNe:
		return fmt.Sprintf("%s <> %s", expr, arg(rawToText(operand))), nil
	case orm.OpGt:
		return fmt.Sprintf("%s > %s", expr, arg(rawToText(operand))), nil
	case orm.OpGte:
		return fmt.Sprintf("%s >= %s", expr, arg(rawToText(operand))), nil
	case orm.OpLt:
		return fmt.Sprintf("%s < %s", expr, arg(rawToText(operand))), nil
	case orm.OpLte:
		return fmt.Sprintf("%s <= %s", expr, arg(rawToText(operand))), nil
	case orm.OpIn, orm.OpNin:
		var values []json.RawMessage
		if err := json.Unmarshal(operand, &values); err != nil {
			return "", fmt.Errorf("%s operand must be an array: %w", op, err)
		}
		texts := make([]string, len(values))
		for i, v := range values {
			texts[i] = rawToText(v)
		}
		neg := ""
		if op == orm.OpNin {
			neg = "NOT "
		}
		return fmt.Sprintf("%s%s = ANY(%s)", neg, expr, arg(texts)), nil
	case orm.OpExists:
		var exists bool
		if err := json.Unmarshal(operand, &exists); err != nil {
			return "", fmt.Errorf("$exists operand must be boolean: %w", err)
		}
		if exists {
			return fmt.Sprintf("%s IS NOT NULL", expr), nil
		}
		return fmt.Sprintf("%s IS NULL", expr), nil
	case orm.OpRegex:
		return fmt.Sprintf("%s ~ %s", expr, arg(rawToText(operand))), nil
	case orm.OpContains:
		return fmt.Sprintf("%s ILIKE %s", expr, arg("%"+rawToText(operand)+"%")), nil
	case orm.OpIsNull:
		return fmt.Sprintf("%s IS NULL", expr), nil
	case orm.OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", expr), nil
	default:
		return "", fmt.Errorf("unknown operator %q", op)
	}
}

// rawToText renders a JSON scalar as the text form JSONB ->> produces.
func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
