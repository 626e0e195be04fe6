// Package dialer resolves a cluster string into a kv.Client.
//
// Accepted forms:
//
//	badger:///var/eos/ns-kv     embedded badger database in a directory
//	mem://name                  fresh in-memory badger database
//	postgres://user@host/db     PostgreSQL table
//	consul://h1:8500,h2:8500?prefix=eos/ns&token=...&dc=dc1
//	h1:8500,h2:8500             Consul with default options
package dialer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/kv/badger"
	"github.com/synnove/eos/pkg/kv/consul"
	"github.com/synnove/eos/pkg/kv/postgres"
)

// Scheme identifies a backend.
type Scheme string

const (
	SchemeBadger   Scheme = "badger"
	SchemeMemory   Scheme = "mem"
	SchemePostgres Scheme = "postgres"
	SchemeConsul   Scheme = "consul"
)

// Target is a parsed cluster string.
type Target struct {
	Scheme Scheme
	// Dir is the badger directory.
	Dir string
	// Addrs are the consul agents in preference order.
	Addrs []string
	// Conn is the full postgres connection string.
	Conn    string
	Options consul.Options
}

// Parse splits cluster into a Target without connecting.
func Parse(cluster string) (Target, error) {
	cluster = strings.TrimSpace(cluster)
	if cluster == "" {
		return Target{}, fmt.Errorf("empty cluster")
	}

	scheme, rest, hasScheme := strings.Cut(cluster, "://")
	if !hasScheme {
		addrs, err := splitAddrs(cluster)
		if err != nil {
			return Target{}, err
		}
		return Target{Scheme: SchemeConsul, Addrs: addrs}, nil
	}

	switch Scheme(strings.ToLower(scheme)) {
	case SchemeBadger:
		if rest == "" {
			return Target{}, fmt.Errorf("badger cluster %q has no directory", cluster)
		}
		return Target{Scheme: SchemeBadger, Dir: rest}, nil

	case SchemeMemory:
		return Target{Scheme: SchemeMemory}, nil

	case SchemePostgres, "postgresql":
		return Target{Scheme: SchemePostgres, Conn: cluster}, nil

	case SchemeConsul:
		hosts, query, _ := strings.Cut(rest, "?")
		addrs, err := splitAddrs(strings.TrimSuffix(hosts, "/"))
		if err != nil {
			return Target{}, err
		}
		values, err := url.ParseQuery(query)
		if err != nil {
			return Target{}, fmt.Errorf("invalid consul options in %q: %w", cluster, err)
		}
		return Target{
			Scheme: SchemeConsul,
			Addrs:  addrs,
			Options: consul.Options{
				Prefix:     values.Get("prefix"),
				Token:      values.Get("token"),
				Datacenter: values.Get("dc"),
			},
		}, nil
	}
	return Target{}, fmt.Errorf("unsupported cluster scheme %q", scheme)
}

func splitAddrs(list string) ([]string, error) {
	var addrs []string
	for _, a := range strings.Split(list, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !strings.Contains(a, ":") {
			return nil, fmt.Errorf("address %q is not host:port", a)
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("cluster %q has no addresses", list)
	}
	return addrs, nil
}

// Dial parses cluster and connects to the backend it names.
func Dial(ctx context.Context, cluster string) (kv.Client, error) {
	t, err := Parse(cluster)
	if err != nil {
		return nil, err
	}
	var c kv.Client
	switch t.Scheme {
	case SchemeBadger:
		c, err = badger.Open(t.Dir)
	case SchemeMemory:
		c, err = badger.OpenInMemory()
	case SchemePostgres:
		c, err = postgres.Dial(ctx, t.Conn)
	default:
		c, err = consul.Dial(ctx, t.Addrs, t.Options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s cluster: %w", t.Scheme, err)
	}
	return c, nil
}
