// Package kv is the command interface to the remote key/value store that
// backs the namespace. Keys hold either a hash (field -> value) or a set
// of members, following Redis semantics.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNetwork reports a transient transport failure. The operation may
	// be retried.
	ErrNetwork = errors.New("kv: network error")

	// ErrUnexpectedResponse reports a reply the client cannot interpret, or
	// a command the store rejected.
	ErrUnexpectedResponse = errors.New("kv: unexpected response")
)

// Command is one write command, e.g. {"HSET", key, field, value}.
// Binary values are carried as strings.
type Command []string

func (c Command) String() string {
	return strings.Join(c, " ")
}

// Client talks to one cluster. Implementations are safe for concurrent use.
type Client interface {
	// HGet returns the value of field and whether it was present.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	// HDel returns the number of fields removed.
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	// HIncrBy adds delta to the integer stored in field and returns the
	// new value. A missing field counts as 0.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// SAdd and SRem return the number of members actually added or removed.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Del removes whole keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Execute runs a batch of write commands in order. An error means the
	// batch may have been partially applied.
	Execute(ctx context.Context, cmds []Command) error

	Close() error
}

// ============================================================================
// Command parsing
// ============================================================================

// OpKind is the verb of a parsed command.
type OpKind int

const (
	OpHSet OpKind = iota + 1
	OpHDel
	OpHIncrBy
	OpSAdd
	OpSRem
	OpDel
)

// Op is a validated Command.
type Op struct {
	Kind OpKind
	Key  string

	// Args holds the fields (HDEL), members (SADD, SREM), extra keys (DEL)
	// or the field and value (HSET).
	Args []string

	// Delta is the HINCRBY increment.
	Delta int64
}

// Parse validates c. Verbs are case-insensitive.
func (c Command) Parse() (Op, error) {
	if len(c) < 2 {
		return Op{}, fmt.Errorf("%w: malformed command %q", ErrUnexpectedResponse, c.String())
	}
	op := Op{Key: c[1], Args: c[2:]}
	arity := func(ok bool) (Op, error) {
		if !ok {
			return Op{}, fmt.Errorf("%w: wrong number of arguments for %s", ErrUnexpectedResponse, c[0])
		}
		return op, nil
	}

	switch strings.ToUpper(c[0]) {
	case "HSET":
		op.Kind = OpHSet
		return arity(len(op.Args) == 2)
	case "HDEL":
		op.Kind = OpHDel
		return arity(len(op.Args) > 0)
	case "HINCRBY":
		op.Kind = OpHIncrBy
		if len(op.Args) != 2 {
			return arity(false)
		}
		d, err := strconv.ParseInt(op.Args[1], 10, 64)
		if err != nil {
			return Op{}, fmt.Errorf("%w: HINCRBY increment %q is not an integer", ErrUnexpectedResponse, op.Args[1])
		}
		op.Delta = d
		op.Args = op.Args[:1]
		return op, nil
	case "SADD":
		op.Kind = OpSAdd
		return arity(len(op.Args) > 0)
	case "SREM":
		op.Kind = OpSRem
		return arity(len(op.Args) > 0)
	case "DEL":
		op.Kind = OpDel
		return op, nil
	default:
		return Op{}, fmt.Errorf("%w: unsupported command %s", ErrUnexpectedResponse, c[0])
	}
}

// Keys returns every key a DEL op names.
func (o Op) Keys() []string {
	return append([]string{o.Key}, o.Args...)
}

// ParseInt decodes an integer hash value.
func ParseInt(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: value %q is not an integer", ErrUnexpectedResponse, v)
	}
	return n, nil
}

// Apply runs a parsed batch through the single-command methods of c. It
// backs Execute for stores without a native batch primitive.
func Apply(ctx context.Context, c Client, cmds []Command) error {
	for _, cmd := range cmds {
		op, err := cmd.Parse()
		if err != nil {
			return err
		}
		switch op.Kind {
		case OpHSet:
			err = c.HSet(ctx, op.Key, op.Args[0], op.Args[1])
		case OpHDel:
			_, err = c.HDel(ctx, op.Key, op.Args...)
		case OpHIncrBy:
			_, err = c.HIncrBy(ctx, op.Key, op.Args[0], op.Delta)
		case OpSAdd:
			_, err = c.SAdd(ctx, op.Key, op.Args...)
		case OpSRem:
			_, err = c.SRem(ctx, op.Key, op.Args...)
		case OpDel:
			_, err = c.Del(ctx, op.Keys()...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
