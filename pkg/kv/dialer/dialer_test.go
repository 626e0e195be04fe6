package dialer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnove/eos/pkg/kv/consul"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		cluster string
		want    Target
	}{
		{"Badger", "badger:///var/eos/kv", Target{Scheme: SchemeBadger, Dir: "/var/eos/kv"}},
		{"Memory", "mem://unit", Target{Scheme: SchemeMemory}},
		{"Postgres", "postgres://eos@db:5432/ns", Target{Scheme: SchemePostgres, Conn: "postgres://eos@db:5432/ns"}},
		{"BareList", "qdb1:7777, qdb2:7777", Target{Scheme: SchemeConsul, Addrs: []string{"qdb1:7777", "qdb2:7777"}}},
		{"ConsulOptions", "consul://c1:8500,c2:8500?prefix=ns/test&token=secret&dc=west", Target{
			Scheme:  SchemeConsul,
			Addrs:   []string{"c1:8500", "c2:8500"},
			Options: consul.Options{Prefix: "ns/test", Token: "secret", Datacenter: "west"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.cluster)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, cluster := range []string{"", "badger://", "ftp://x", "qdb1", ",,", "consul://"} {
		t.Run(cluster, func(t *testing.T) {
			_, err := Parse(cluster)
			assert.Error(t, err)
		})
	}
}

func TestDialMemory(t *testing.T) {
	c, err := Dial(t.Context(), "mem://test")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.HSet(t.Context(), "meta_map", "last_used_fid", "10"))
	v, ok, err := c.HGet(t.Context(), "meta_map", "last_used_fid")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10", v)
}

func TestDialBadgerDir(t *testing.T) {
	c, err := Dial(t.Context(), "badger://"+t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
