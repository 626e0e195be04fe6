package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandParse(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want Op
	}{
		{"HSet", Command{"HSET", "k", "f", "v"}, Op{Kind: OpHSet, Key: "k", Args: []string{"f", "v"}}},
		{"LowerCase", Command{"hdel", "k", "a", "b"}, Op{Kind: OpHDel, Key: "k", Args: []string{"a", "b"}}},
		{"HIncrBy", Command{"HINCRBY", "k", "f", "-3"}, Op{Kind: OpHIncrBy, Key: "k", Args: []string{"f"}, Delta: -3}},
		{"SAdd", Command{"SADD", "s", "m"}, Op{Kind: OpSAdd, Key: "s", Args: []string{"m"}}},
		{"Del", Command{"DEL", "a", "b"}, Op{Kind: OpDel, Key: "a", Args: []string{"b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Parse()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []Command{
		{"HSET", "k", "f"},
		{"HINCRBY", "k", "f", "x"},
		{"SADD", "s"},
		{"GET", "k"},
		{"DEL"},
	} {
		_, err := bad.Parse()
		assert.ErrorIs(t, err, ErrUnexpectedResponse, bad.String())
	}
}

func TestOpKeys(t *testing.T) {
	op, err := Command{"DEL", "a", "b", "c"}.Parse()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, op.Keys())
}
