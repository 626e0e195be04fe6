package remote

import (
	"context"
	"strconv"
	"sync"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/kv"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// Block sizes of the inode provider. Each reservation doubles the next one
// up to the maximum.
const (
	inodeBlockMin = 1
	inodeBlockMax = 5000
)

// inodeProvider hands out ids from blocks reserved with HINCRBY on one
// meta_map field. Ids are never reused: the field only grows, and ids of a
// block abandoned by a restart are skipped.
type inodeProvider struct {
	client kv.Client
	field  string

	mu       sync.Mutex
	next     uint64 // next id to hand out
	blockEnd uint64 // last reserved id
	step     int64
}

func newInodeProvider(client kv.Client, field string) *inodeProvider {
	return &inodeProvider{client: client, field: field, next: 1, step: inodeBlockMin}
}

// load reads the allocator mark. Nothing is reserved until the first call
// to reserve.
func (p *inodeProvider) load(ctx context.Context) (uint64, error) {
	v, ok, err := p.client.HGet(ctx, MetaMapKey, p.field)
	if err != nil {
		return 0, mderrors.NewRemoteError("read "+MetaMapKey+" "+p.field, err)
	}
	var last uint64
	if ok {
		if last, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, mderrors.NewCorruptionError("bad "+p.field+" "+strconv.Quote(v), 0)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.next, p.blockEnd, p.step = last+1, last, inodeBlockMin
	return last, nil
}

// reserve returns a fresh id.
func (p *inodeProvider) reserve(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next > p.blockEnd {
		end, err := p.client.HIncrBy(ctx, MetaMapKey, p.field, p.step)
		if err != nil {
			return 0, mderrors.NewRemoteError("reserve ids on "+p.field, err)
		}
		// Another writer may have reserved in between; the block is
		// whatever this increment returned.
		p.blockEnd = uint64(end)
		p.next = uint64(end) - uint64(p.step) + 1
		logger.Debug("Reserved id block", logger.KeyKey, p.field,
			"first", p.next, "last", p.blockEnd)
		p.step = min(p.step*2, inodeBlockMax)
	}

	id := p.next
	p.next++
	return id, nil
}

// firstFree returns the id the next reserve would hand out, assuming no
// other writer.
func (p *inodeProvider) firstFree() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
