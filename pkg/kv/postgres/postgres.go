// Package postgres implements kv.Client on a PostgreSQL table.
//
// Every hash field and set member is one row of kv_entries keyed by
// (kind, key, field); kind is 'h' for hashes and 's' for sets.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synnove/eos/pkg/kv"
)

const (
	kindHash = "h"
	kindSet  = "s"
)

// Client is a kv.Client on a pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

var _ kv.Client = (*Client)(nil)

// Dial connects to connString, a postgres:// URL, and migrates the schema.
func Dial(ctx context.Context, connString string) (*Client, error) {
	if err := runMigrations(ctx, connString); err != nil {
		return nil, wrap(err)
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(err)
	}
	return &Client{pool: pool}, nil
}

// Close implements kv.Client.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// wrap classifies a database error. Data errors (SQLSTATE class 22) mean a
// value did not have the expected type; everything else is transient.
func wrap(err error) error {
	if err == nil || errors.Is(err, kv.ErrUnexpectedResponse) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "22" {
		return fmt.Errorf("%w: %s", kv.ErrUnexpectedResponse, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", kv.ErrNetwork, err)
}

// ============================================================================
// Statements
// ============================================================================

const (
	sqlGet    = `SELECT value FROM kv_entries WHERE kind = $1 AND key = $2 AND field = $3`
	sqlUpsert = `INSERT INTO kv_entries (kind, key, field, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, key, field) DO UPDATE SET value = EXCLUDED.value`
	sqlInsertIgnore = `INSERT INTO kv_entries (kind, key, field) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	sqlDeleteItems = `DELETE FROM kv_entries WHERE kind = $1 AND key = $2 AND field = ANY($3)`
	sqlList        = `SELECT field, value FROM kv_entries WHERE kind = $1 AND key = $2`
	sqlCount       = `SELECT count(*) FROM kv_entries WHERE kind = $1 AND key = $2`
	sqlIncr        = `INSERT INTO kv_entries (kind, key, field, value) VALUES ('h', $1, $2, $3::bigint::text)
		ON CONFLICT (kind, key, field) DO UPDATE SET value = (kv_entries.value::bigint + $3::bigint)::text
		RETURNING value`
	sqlDeleteKeys = `WITH d AS (DELETE FROM kv_entries WHERE key = ANY($1) RETURNING key)
		SELECT count(DISTINCT key) FROM d`
	sqlExists = `SELECT EXISTS (SELECT 1 FROM kv_entries WHERE key = $1)`
)

func deleteItems(ctx context.Context, db querier, kind, key string, subs []string) (int64, error) {
	tag, err := db.Exec(ctx, sqlDeleteItems, kind, key, subs)
	if err != nil {
		return 0, wrap(err)
	}
	return tag.RowsAffected(), nil
}

func addMembers(ctx context.Context, db querier, key string, members []string) (int64, error) {
	var n int64
	for _, m := range members {
		tag, err := db.Exec(ctx, sqlInsertIgnore, kindSet, key, m)
		if err != nil {
			return n, wrap(err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func incr(ctx context.Context, db querier, key, field string, delta int64) (int64, error) {
	var v string
	if err := db.QueryRow(ctx, sqlIncr, key, field, delta).Scan(&v); err != nil {
		return 0, wrap(err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func deleteKeys(ctx context.Context, db querier, keys []string) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, sqlDeleteKeys, keys).Scan(&n)
	return n, wrap(err)
}

// ============================================================================
// Hashes
// ============================================================================

// HGet implements kv.Client.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	err := c.pool.QueryRow(ctx, sqlGet, kindHash, key, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

// HSet implements kv.Client.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	_, err := c.pool.Exec(ctx, sqlUpsert, kindHash, key, field, value)
	return wrap(err)
}

// HDel implements kv.Client.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return deleteItems(ctx, c.pool, kindHash, key, fields)
}

// HGetAll implements kv.Client.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := c.pool.Query(ctx, sqlList, kindHash, key)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, wrap(err)
		}
		out[f] = v
	}
	return out, wrap(rows.Err())
}

// HLen implements kv.Client.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	return c.count(ctx, kindHash, key)
}

func (c *Client) count(ctx context.Context, kind, key string) (int64, error) {
	var n int64
	err := c.pool.QueryRow(ctx, sqlCount, kind, key).Scan(&n)
	return n, wrap(err)
}

// HIncrBy implements kv.Client. The upsert is atomic, so no retry loop is
// needed.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return incr(ctx, c.pool, key, field, delta)
}

// ============================================================================
// Sets
// ============================================================================

// SAdd implements kv.Client.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return addMembers(ctx, c.pool, key, members)
}

// SRem implements kv.Client.
func (c *Client) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return deleteItems(ctx, c.pool, kindSet, key, members)
}

// SIsMember implements kv.Client.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var v string
	err := c.pool.QueryRow(ctx, sqlGet, kindSet, key, member).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, wrap(err)
}

// SMembers implements kv.Client.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := c.pool.Query(ctx, sqlList, kindSet, key)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m, v string
		if err := rows.Scan(&m, &v); err != nil {
			return nil, wrap(err)
		}
		out = append(out, m)
	}
	return out, wrap(rows.Err())
}

// SCard implements kv.Client.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.count(ctx, kindSet, key)
}

// ============================================================================
// Keys and batches
// ============================================================================

// Del implements kv.Client.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return deleteKeys(ctx, c.pool, keys)
}

// Exists implements kv.Client.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx, sqlExists, key).Scan(&ok)
	return ok, wrap(err)
}

// Execute implements kv.Client. The whole batch runs in one transaction.
func (c *Client) Execute(ctx context.Context, cmds []kv.Command) error {
	ops := make([]kv.Op, 0, len(cmds))
	for _, cmd := range cmds {
		op, err := cmd.Parse()
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	return wrap(pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case kv.OpHSet:
				_, err = tx.Exec(ctx, sqlUpsert, kindHash, op.Key, op.Args[0], op.Args[1])
			case kv.OpHDel:
				_, err = deleteItems(ctx, tx, kindHash, op.Key, op.Args)
			case kv.OpHIncrBy:
				_, err = incr(ctx, tx, op.Key, op.Args[0], op.Delta)
			case kv.OpSAdd:
				_, err = addMembers(ctx, tx, op.Key, op.Args)
			case kv.OpSRem:
				_, err = deleteItems(ctx, tx, kindSet, op.Key, op.Args)
			case kv.OpDel:
				_, err = deleteKeys(ctx, tx, op.Keys())
			}
			if err != nil {
				return err
			}
		}
		return nil
	}))
}
