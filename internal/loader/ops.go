package loader

import "bundled/pkg/types"

type opStatus uint8

const (
	opPending opStatus = iota
	opLoading
	opLoaded
)

// opKey identifies one request shape inside a bundle: the asset selector
// (empty for whole-bundle requests) plus the result kind.
type opKey struct {
	selector string
	kind     types.ResultKind
}

// result is the tagged payload union for an operation; exactly one of the
// fields is meaningful, picked by the operation's kind. The zero value is
// the absent result.
type result struct {
	asset  *types.Asset
	assets []types.Asset
	scenes []string
}

// waiter is a one-shot continuation for a single request.
type waiter func(result)

// assetOperation tracks one distinct request shape against a bundle. Its
// result is set exactly once, when the operation reaches opLoaded, and never
// mutated afterward; waiters are drained exactly once in FIFO order.
type assetOperation struct {
	key     opKey
	status  opStatus
	waiters []waiter
	res     result
}

// opCache is the per-bundle map from opKey to its operation. Insertion order
// is kept so extractions and waiter drains stay deterministic.
type opCache struct {
	ops   map[opKey]*assetOperation
	order []*assetOperation
}

func newOpCache() *opCache {
	return &opCache{ops: make(map[opKey]*assetOperation)}
}

func (c *opCache) find(k opKey) *assetOperation { return c.ops[k] }

// add inserts op, rejecting duplicates of the same key.
func (c *opCache) add(op *assetOperation) bool {
	if _, ok := c.ops[op.key]; ok {
		return false
	}
	c.ops[op.key] = op
	c.order = append(c.order, op)
	return true
}

func (c *opCache) all() []*assetOperation { return c.order }

func (c *opCache) len() int { return len(c.order) }

func (c *opCache) pendingCount() int {
	n := 0
	for _, op := range c.order {
		if op.status == opPending {
			n++
		}
	}
	return n
}

func (c *opCache) loadedCount() int {
	n := 0
	for _, op := range c.order {
		if op.status == opLoaded {
			n++
		}
	}
	return n
}

func (c *opCache) anyLoading() bool {
	for _, op := range c.order {
		if op.status == opLoading {
			return true
		}
	}
	return false
}

// takePending removes and returns all pending operations, keeping order.
func (c *opCache) takePending() []*assetOperation {
	var taken []*assetOperation
	var kept []*assetOperation
	for _, op := range c.order {
		if op.status == opPending {
			taken = append(taken, op)
			delete(c.ops, op.key)
			continue
		}
		kept = append(kept, op)
	}
	c.order = kept
	return taken
}

func (c *opCache) clear() {
	c.ops = make(map[opKey]*assetOperation)
	c.order = nil
}
