package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/seawork/trawler/internal/shared/errdefs"
)

// Postgres is a Gateway backed by a single records table. Values are
// stored as jsonb so filter attributes can be matched with the ->>
// operator without per-bucket schemas.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach store database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the records table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trawler_records (
			id     BIGSERIAL PRIMARY KEY,
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			value  JSONB NOT NULL,
			etag   TEXT NOT NULL,
			UNIQUE (bucket, key)
		)
	`)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Get(ctx context.Context, bucket, key string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, value, etag FROM trawler_records WHERE bucket = $1 AND key = $2`,
		bucket, key,
	)

	rec := Record{Bucket: bucket, Key: key}
	err := row.Scan(&rec.ID, &rec.Value, &rec.Etag)
	if err == sql.ErrNoRows {
		return nil, &errdefs.NotFoundError{Bucket: bucket, Key: key}
	}
	if err != nil {
		return nil, &errdefs.TransportError{Op: "store get", Err: err}
	}
	return &rec, nil
}

func (p *Postgres) Put(ctx context.Context, bucket, key string, value []byte, opts PutOptions) (string, error) {
	etag := uuid.NewString()

	if opts.Etag != "" {
		res, err := p.db.ExecContext(ctx,
			`UPDATE trawler_records SET value = $1, etag = $2
			 WHERE bucket = $3 AND key = $4 AND etag = $5`,
			value, etag, bucket, key, opts.Etag,
		)
		if err != nil {
			return "", &errdefs.TransportError{Op: "store put", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", &errdefs.TransportError{Op: "store put", Err: err}
		}
		if n == 0 {
			if _, err := p.Get(ctx, bucket, key); errdefs.IsNotFound(err) {
				return "", err
			}
			return "", errdefs.Conflictf("%s/%s: etag mismatch", bucket, key)
		}
		return etag, nil
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trawler_records (bucket, key, value, etag) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, etag = EXCLUDED.etag`,
		bucket, key, value, etag,
	)
	if err != nil {
		return "", &errdefs.TransportError{Op: "store put", Err: err}
	}
	return etag, nil
}

func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM trawler_records WHERE bucket = $1 AND key = $2`, bucket, key)
	if err != nil {
		return &errdefs.TransportError{Op: "store delete", Err: err}
	}
	return nil
}

func (p *Postgres) Find(ctx context.Context, bucket string, q Query) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	args = append(args, bucket)
	conds = append(conds, "bucket = $1")

	if q.Filter != nil {
		cond, err := renderSQL(q.Filter, &args)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	if q.Marker != 0 {
		args = append(args, q.Marker)
		conds = append(conds, fmt.Sprintf("id > $%d", len(args)))
	}

	order := "id"
	if q.Sort != "" && q.Sort != "_id" {
		args = append(args, q.Sort)
		order = fmt.Sprintf("value->>$%d, id", len(args))
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	query := fmt.Sprintf(
		`SELECT id, key, value, etag FROM trawler_records WHERE %s ORDER BY %s %s`,
		strings.Join(conds, " AND "), order, dir,
	)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errdefs.TransportError{Op: "store find", Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Bucket: bucket}
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Value, &rec.Etag); err != nil {
			return nil, &errdefs.TransportError{Op: "store find", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errdefs.TransportError{Op: "store find", Err: err}
	}
	return out, nil
}

func (p *Postgres) DeleteMany(ctx context.Context, reqs []DeleteRequest) ([]int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errdefs.TransportError{Op: "store delete-many", Err: err}
	}
	defer tx.Rollback()

	counts := make([]int, len(reqs))
	for i, req := range reqs {
		var (
			conds []string
			args  []any
		)
		args = append(args, req.Bucket)
		conds = append(conds, "bucket = $1")
		if req.Filter != nil {
			cond, err := renderSQL(req.Filter, &args)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		args = append(args, req.Limit)
		query := fmt.Sprintf(
			`DELETE FROM trawler_records WHERE id IN (
				SELECT id FROM trawler_records WHERE %s ORDER BY id LIMIT $%d
			)`,
			strings.Join(conds, " AND "), len(args),
		)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, &errdefs.TransportError{Op: "store delete-many", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, &errdefs.TransportError{Op: "store delete-many", Err: err}
		}
		counts[i] = int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, &errdefs.TransportError{Op: "store delete-many", Err: err}
	}
	return counts, nil
}

// renderSQL renders a filter tree to a SQL condition over the jsonb
// value column, appending bind arguments. Attribute names come from the
// allow-listed builders, never from raw user input.
func renderSQL(f Filter, args *[]any) (string, error) {
	switch t := f.(type) {
	case *EqFilter:
		*args = append(*args, t.Value)
		return fmt.Sprintf("value->>'%s' = $%d", t.Attr, len(*args)), nil
	case *PresentFilter:
		return fmt.Sprintf("value ? '%s'", t.Attr), nil
	case *GeFilter:
		*args = append(*args, t.Value)
		return fmt.Sprintf("value->>'%s' >= $%d", t.Attr, len(*args)), nil
	case *LeFilter:
		*args = append(*args, t.Value)
		return fmt.Sprintf("value->>'%s' <= $%d", t.Attr, len(*args)), nil
	case *NotFilter:
		inner, err := renderSQL(t.Inner, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	case *AndFilter:
		return renderSQLList(t.Terms, " AND ", args)
	case *OrFilter:
		return renderSQLList(t.Terms, " OR ", args)
	default:
		return "", fmt.Errorf("unsupported filter type %T", f)
	}
}

func renderSQLList(terms []Filter, sep string, args *[]any) (string, error) {
	rendered := make([]string, 0, len(terms))
	for _, term := range terms {
		cond, err := renderSQL(term, args)
		if err != nil {
			return "", err
		}
		rendered = append(rendered, cond)
	}
	return "(" + strings.Join(rendered, sep) + ")", nil
}
