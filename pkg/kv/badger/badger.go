// Package badger implements kv.Client on an embedded BadgerDB.
//
// Hash fields live under "h\x00<key>\x00<field>" and set members under
// "s\x00<key>\x00<member>". The separator cannot appear in namespace keys,
// so one key's prefix never matches another key.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/kv"
)

const (
	hashTag byte = 'h'
	setTag  byte = 's'
	sep     byte = 0

	// maxConflictRetries bounds the optimistic retry of read-modify-write
	// transactions.
	maxConflictRetries = 256
)

// Client is a kv.Client backed by a BadgerDB instance it owns.
type Client struct {
	db *badgerdb.DB
}

var _ kv.Client = (*Client)(nil)

// Open opens (or creates) a database in dir.
func Open(dir string) (*Client, error) {
	return open(badgerdb.DefaultOptions(dir))
}

// OpenInMemory returns a client on a fresh in-memory database.
func OpenInMemory() (*Client, error) {
	return open(badgerdb.DefaultOptions("").WithInMemory(true))
}

func open(opts badgerdb.Options) (*Client, error) {
	db, err := badgerdb.Open(opts.WithLogger(badgerLogger{}))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Client{db: db}, nil
}

// Close implements kv.Client.
func (c *Client) Close() error {
	return c.db.Close()
}

// ============================================================================
// Keys
// ============================================================================

func prefix(tag byte, key string) []byte {
	b := make([]byte, 0, len(key)+3)
	b = append(b, tag, sep)
	b = append(b, key...)
	return append(b, sep)
}

func itemKey(tag byte, key, sub string) []byte {
	return append(prefix(tag, key), sub...)
}

// scan calls fn with the suffix of every item under prefix p.
func scan(txn *badgerdb.Txn, p []byte, values bool, fn func(sub string, item *badgerdb.Item) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = p
	opts.PrefetchValues = values

	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		sub := string(bytes.TrimPrefix(item.Key(), p))
		if err := fn(sub, item); err != nil {
			return err
		}
	}
	return nil
}

func exists(txn *badgerdb.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) view(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.db.View(fn))
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (c *Client) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.db.Update(fn)
		if errors.Is(err, badgerdb.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return wrap(err)
	}
}

func wrap(err error) error {
	switch {
	case err == nil, errors.Is(err, kv.ErrUnexpectedResponse):
		return err
	case errors.Is(err, badgerdb.ErrConflict), errors.Is(err, badgerdb.ErrDBClosed):
		return fmt.Errorf("%w: %v", kv.ErrNetwork, err)
	default:
		return err
	}
}

// ============================================================================
// Hashes
// ============================================================================

// HGet implements kv.Client.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(itemKey(hashTag, key, field))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		val, found = string(b), true
		return nil
	})
	return val, found, err
}

// HSet implements kv.Client.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.update(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(itemKey(hashTag, key, field), []byte(value))
	})
}

// HDel implements kv.Client.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := c.update(ctx, func(txn *badgerdb.Txn) error {
		n = 0
		return deleteItems(txn, hashTag, key, fields, &n)
	})
	return n, err
}

func deleteItems(txn *badgerdb.Txn, tag byte, key string, subs []string, n *int64) error {
	for _, sub := range subs {
		k := itemKey(tag, key, sub)
		ok, err := exists(txn, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		*n++
	}
	return nil
}

// HGetAll implements kv.Client.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefix(hashTag, key), true, func(field string, item *badgerdb.Item) error {
			return item.Value(func(v []byte) error {
				out[field] = string(v)
				return nil
			})
		})
	})
	return out, err
}

// HLen implements kv.Client.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	return c.count(ctx, hashTag, key)
}

func (c *Client) count(ctx context.Context, tag byte, key string) (int64, error) {
	var n int64
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefix(tag, key), false, func(string, *badgerdb.Item) error {
			n++
			return nil
		})
	})
	return n, err
}

// HIncrBy implements kv.Client.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var v int64
	err := c.update(ctx, func(txn *badgerdb.Txn) error {
		var err error
		v, err = incr(txn, key, field, delta)
		return err
	})
	return v, err
}

func incr(txn *badgerdb.Txn, key, field string, delta int64) (int64, error) {
	k := itemKey(hashTag, key, field)
	var cur int64
	item, err := txn.Get(k)
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		b, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if cur, err = kv.ParseInt(string(b)); err != nil {
			return 0, err
		}
	}
	cur += delta
	return cur, txn.Set(k, []byte(strconv.FormatInt(cur, 10)))
}

// ============================================================================
// Sets
// ============================================================================

// SAdd implements kv.Client.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := c.update(ctx, func(txn *badgerdb.Txn) error {
		n = 0
		return addMembers(txn, key, members, &n)
	})
	return n, err
}

func addMembers(txn *badgerdb.Txn, key string, members []string, n *int64) error {
	for _, m := range members {
		k := itemKey(setTag, key, m)
		ok, err := exists(txn, k)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := txn.Set(k, nil); err != nil {
			return err
		}
		*n++
	}
	return nil
}

// SRem implements kv.Client.
func (c *Client) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := c.update(ctx, func(txn *badgerdb.Txn) error {
		n = 0
		return deleteItems(txn, setTag, key, members, &n)
	})
	return n, err
}

// SIsMember implements kv.Client.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		var err error
		ok, err = exists(txn, itemKey(setTag, key, member))
		return err
	})
	return ok, err
}

// SMembers implements kv.Client.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefix(setTag, key), false, func(m string, _ *badgerdb.Item) error {
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// SCard implements kv.Client.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.count(ctx, setTag, key)
}

// ============================================================================
// Keys and batches
// ============================================================================

// Del implements kv.Client.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.update(ctx, func(txn *badgerdb.Txn) error {
		n = 0
		return deleteKeys(txn, keys, &n)
	})
	return n, err
}

func deleteKeys(txn *badgerdb.Txn, keys []string, n *int64) error {
	for _, key := range keys {
		var found bool
		for _, tag := range []byte{hashTag, setTag} {
			var victims [][]byte
			err := scan(txn, prefix(tag, key), false, func(_ string, item *badgerdb.Item) error {
				victims = append(victims, item.KeyCopy(nil))
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range victims {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			found = found || len(victims) > 0
		}
		if found {
			*n++
		}
	}
	return nil
}

// Exists implements kv.Client.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	errFound := errors.New("found")
	err := c.view(ctx, func(txn *badgerdb.Txn) error {
		for _, tag := range []byte{hashTag, setTag} {
			err := scan(txn, prefix(tag, key), false, func(string, *badgerdb.Item) error {
				return errFound
			})
			if errors.Is(err, errFound) {
				found = true
				return nil
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return found, err
}

// Execute implements kv.Client. The batch runs in as few transactions as
// Badger allows; a transaction that grows too big is committed and the
// batch continues in a new one.
func (c *Client) Execute(ctx context.Context, cmds []kv.Command) error {
	ops := make([]kv.Op, 0, len(cmds))
	for _, cmd := range cmds {
		op, err := cmd.Parse()
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := c.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for i := 0; i < len(ops); i++ {
		err := apply(txn, ops[i])
		if errors.Is(err, badgerdb.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return wrap(err)
			}
			txn = c.db.NewTransaction(true)
			err = apply(txn, ops[i])
		}
		if err != nil {
			return wrap(err)
		}
	}
	return wrap(txn.Commit())
}

func apply(txn *badgerdb.Txn, op kv.Op) error {
	var n int64
	switch op.Kind {
	case kv.OpHSet:
		return txn.Set(itemKey(hashTag, op.Key, op.Args[0]), []byte(op.Args[1]))
	case kv.OpHDel:
		return deleteItems(txn, hashTag, op.Key, op.Args, &n)
	case kv.OpHIncrBy:
		_, err := incr(txn, op.Key, op.Args[0], op.Delta)
		return err
	case kv.OpSAdd:
		return addMembers(txn, op.Key, op.Args, &n)
	case kv.OpSRem:
		return deleteItems(txn, setTag, op.Key, op.Args, &n)
	case kv.OpDel:
		return deleteKeys(txn, op.Keys(), &n)
	}
	return fmt.Errorf("%w: op %d", kv.ErrUnexpectedResponse, op.Kind)
}

// ============================================================================
// Logging
// ============================================================================

// badgerLogger routes Badger's own logging into the process logger.
// Informational chatter is demoted to debug.
type badgerLogger struct{}

// Logger returns the adapter used by every Badger instance of this process.
func Logger() badgerdb.Logger {
	return badgerLogger{}
}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), logger.KeyService, "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), logger.KeyService, "badger")
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), logger.KeyService, "badger")
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), logger.KeyService, "badger")
}
