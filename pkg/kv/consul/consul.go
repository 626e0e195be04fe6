// Package consul implements kv.Client on the Consul KV store.
//
// Every hash field is one Consul key "<prefix>/h/<key>/<field>" and every
// set member one key "<prefix>/s/<key>/<member>", with key, field and
// member path-escaped. Batches are sent as transactions of at most
// TxnMaxOps operations.
package consul

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/kv"
)

// TxnMaxOps is the largest transaction Consul accepts.
const TxnMaxOps = 64

// DefaultPrefix roots every key of the namespace.
const DefaultPrefix = "eos/ns"

// Options tune the client.
type Options struct {
	Prefix     string
	Token      string
	Datacenter string
}

// Client is a kv.Client on a Consul agent.
type Client struct {
	api    *api.Client
	kv     *api.KV
	prefix string
}

var _ kv.Client = (*Client)(nil)

// Dial connects to the first reachable address of addrs.
func Dial(ctx context.Context, addrs []string, opts Options) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("consul: no address given")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}

	var lastErr error
	for _, addr := range addrs {
		cfg := api.DefaultConfig()
		cfg.Address = addr
		cfg.Token = opts.Token
		cfg.Datacenter = opts.Datacenter

		client, err := api.NewClient(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := client.Status().LeaderWithQueryOptions((&api.QueryOptions{}).WithContext(ctx)); err != nil {
			logger.Warn("Consul address unreachable", logger.KeyCluster, addr, logger.Err(err))
			lastErr = err
			continue
		}

		logger.Debug("Connected to consul", logger.KeyCluster, addr)
		return &Client{
			api:    client,
			kv:     client.KV(),
			prefix: strings.TrimSuffix(opts.Prefix, "/"),
		}, nil
	}
	return nil, fmt.Errorf("%w: no consul address reachable: %v", kv.ErrNetwork, lastErr)
}

// Close implements kv.Client. The HTTP client keeps no session.
func (c *Client) Close() error {
	return nil
}

// ============================================================================
// Keys
// ============================================================================

func (c *Client) prefixOf(tag, key string) string {
	return c.prefix + "/" + tag + "/" + url.PathEscape(key) + "/"
}

func (c *Client) itemKey(tag, key, sub string) string {
	return c.prefixOf(tag, key) + url.PathEscape(sub)
}

func unescape(p, full string) string {
	s := strings.TrimPrefix(full, p)
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

func q(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func w(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

// wrap classifies a Consul error. Transport failures and server errors are
// transient; anything else the server refused is not.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se api.StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return fmt.Errorf("%w: %v", kv.ErrUnexpectedResponse, err)
	}
	return fmt.Errorf("%w: %v", kv.ErrNetwork, err)
}

func (c *Client) exists(ctx context.Context, k string) (bool, error) {
	pair, _, err := c.kv.Get(k, q(ctx))
	if err != nil {
		return false, wrap(err)
	}
	return pair != nil, nil
}

func (c *Client) keys(ctx context.Context, p string) ([]string, error) {
	keys, _, err := c.kv.Keys(p, "", q(ctx))
	return keys, wrap(err)
}

// ============================================================================
// Hashes
// ============================================================================

// HGet implements kv.Client.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	pair, _, err := c.kv.Get(c.itemKey("h", key, field), q(ctx))
	if err != nil {
		return "", false, wrap(err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

// HSet implements kv.Client.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	_, err := c.kv.Put(&api.KVPair{Key: c.itemKey("h", key, field), Value: []byte(value)}, w(ctx))
	return wrap(err)
}

// HDel implements kv.Client.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return c.deleteItems(ctx, "h", key, fields)
}

func (c *Client) deleteItems(ctx context.Context, tag, key string, subs []string) (int64, error) {
	var n int64
	for _, sub := range subs {
		k := c.itemKey(tag, key, sub)
		ok, err := c.exists(ctx, k)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if _, err := c.kv.Delete(k, w(ctx)); err != nil {
			return n, wrap(err)
		}
		n++
	}
	return n, nil
}

// HGetAll implements kv.Client.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	p := c.prefixOf("h", key)
	pairs, _, err := c.kv.List(p, q(ctx))
	if err != nil {
		return nil, wrap(err)
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		out[unescape(p, pair.Key)] = string(pair.Value)
	}
	return out, nil
}

// HLen implements kv.Client.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	keys, err := c.keys(ctx, c.prefixOf("h", key))
	return int64(len(keys)), err
}

// HIncrBy implements kv.Client with a check-and-set loop.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	k := c.itemKey("h", key, field)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		pair, _, err := c.kv.Get(k, q(ctx))
		if err != nil {
			return 0, wrap(err)
		}

		var cur int64
		var index uint64
		if pair != nil {
			if cur, err = kv.ParseInt(string(pair.Value)); err != nil {
				return 0, err
			}
			index = pair.ModifyIndex
		}
		cur += delta

		ok, _, err := c.kv.CAS(&api.KVPair{
			Key:         k,
			Value:       []byte(strconv.FormatInt(cur, 10)),
			ModifyIndex: index,
		}, w(ctx))
		if err != nil {
			return 0, wrap(err)
		}
		if ok {
			return cur, nil
		}
	}
}

// ============================================================================
// Sets
// ============================================================================

// SAdd implements kv.Client.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	for _, m := range members {
		k := c.itemKey("s", key, m)
		// ModifyIndex 0 makes the CAS a create-if-absent.
		ok, _, err := c.kv.CAS(&api.KVPair{Key: k}, w(ctx))
		if err != nil {
			return n, wrap(err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// SRem implements kv.Client.
func (c *Client) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return c.deleteItems(ctx, "s", key, members)
}

// SIsMember implements kv.Client.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.exists(ctx, c.itemKey("s", key, member))
}

// SMembers implements kv.Client.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	p := c.prefixOf("s", key)
	keys, err := c.keys(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, unescape(p, k))
	}
	return out, nil
}

// SCard implements kv.Client.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	keys, err := c.keys(ctx, c.prefixOf("s", key))
	return int64(len(keys)), err
}

// ============================================================================
// Keys and batches
// ============================================================================

// Del implements kv.Client.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, key := range keys {
		ok, err := c.Exists(ctx, key)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		for _, tag := range []string{"h", "s"} {
			if _, err := c.kv.DeleteTree(c.prefixOf(tag, key), w(ctx)); err != nil {
				return n, wrap(err)
			}
		}
		n++
	}
	return n, nil
}

// Exists implements kv.Client.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	for _, tag := range []string{"h", "s"} {
		keys, err := c.keys(ctx, c.prefixOf(tag, key))
		if err != nil {
			return false, err
		}
		if len(keys) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Execute implements kv.Client. Plain writes are grouped into
// transactions; an HINCRBY flushes the group and runs as its own
// check-and-set.
func (c *Client) Execute(ctx context.Context, cmds []kv.Command) error {
	ops := make([]kv.Op, 0, len(cmds))
	for _, cmd := range cmds {
		op, err := cmd.Parse()
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	var txn api.TxnOps
	flush := func() error {
		for len(txn) > 0 {
			n := min(len(txn), TxnMaxOps)
			if err := c.commit(ctx, txn[:n]); err != nil {
				return err
			}
			txn = txn[n:]
		}
		return nil
	}
	add := func(verb api.KVOp, key string, value []byte) {
		txn = append(txn, &api.TxnOp{KV: &api.KVTxnOp{Verb: verb, Key: key, Value: value}})
	}

	for _, op := range ops {
		switch op.Kind {
		case kv.OpHSet:
			add(api.KVSet, c.itemKey("h", op.Key, op.Args[0]), []byte(op.Args[1]))
		case kv.OpHDel:
			for _, f := range op.Args {
				add(api.KVDelete, c.itemKey("h", op.Key, f), nil)
			}
		case kv.OpSAdd:
			for _, m := range op.Args {
				add(api.KVSet, c.itemKey("s", op.Key, m), nil)
			}
		case kv.OpSRem:
			for _, m := range op.Args {
				add(api.KVDelete, c.itemKey("s", op.Key, m), nil)
			}
		case kv.OpDel:
			for _, key := range op.Keys() {
				add(api.KVDeleteTree, c.prefixOf("h", key), nil)
				add(api.KVDeleteTree, c.prefixOf("s", key), nil)
			}
		case kv.OpHIncrBy:
			if err := flush(); err != nil {
				return err
			}
			if _, err := c.HIncrBy(ctx, op.Key, op.Args[0], op.Delta); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (c *Client) commit(ctx context.Context, ops api.TxnOps) error {
	ok, resp, _, err := c.api.Txn().Txn(ops, q(ctx))
	if err != nil {
		return wrap(err)
	}
	if !ok {
		var msgs []string
		if resp != nil {
			for _, e := range resp.Errors {
				msgs = append(msgs, e.What)
			}
		}
		return fmt.Errorf("%w: transaction rolled back: %s", kv.ErrUnexpectedResponse, strings.Join(msgs, "; "))
	}
	return nil
}
