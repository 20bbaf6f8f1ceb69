package sandbox

import (
	"sync"

	"mendloop/internal/logging"
	"mendloop/internal/store"
)

// pairKey identifies one (patch, test) execution. The no-patch baseline uses
// EmptyPatchHandle on the patch side.
type pairKey struct {
	patch string
	test  string
}

// ResultCache remembers execution results per (patch handle, test handle)
// pair so an identical pair is never re-executed within an attempt. A
// durable mirror, when attached, survives process restarts and is consulted
// on miss so a resumed attempt skips work it already paid for.
type ResultCache struct {
	mu        sync.RWMutex
	mem       map[pairKey]*ExecutionResult
	durable   *store.ResultCache
	attemptID string
}

// NewResultCache builds a cache for one attempt. durable may be nil.
func NewResultCache(attemptID string, durable *store.ResultCache) *ResultCache {
	return &ResultCache{
		mem:       make(map[pairKey]*ExecutionResult),
		durable:   durable,
		attemptID: attemptID,
	}
}

// Get returns the cached result for the pair. A durable hit is promoted
// into memory.
func (c *ResultCache) Get(patchHandle, testHandle string) (*ExecutionResult, bool) {
	key := pairKey{patch: patchHandle, test: testHandle}

	c.mu.RLock()
	res, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return res, true
	}

	if c.durable == nil {
		return nil, false
	}
	row, ok, err := c.durable.Get(c.attemptID, patchHandle, testHandle)
	if err != nil {
		logging.SandboxWarn("Durable cache lookup failed for (%s, %s): %v", patchHandle, testHandle, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	res = &ExecutionResult{
		Stdout:     row.Stdout,
		Stderr:     row.Stderr,
		ReturnCode: row.ReturnCode,
		Triggered:  row.Triggered,
	}
	c.mu.Lock()
	c.mem[key] = res
	c.mu.Unlock()
	logging.SandboxDebug("Durable cache hit for (%s, %s)", patchHandle, testHandle)
	return res, true
}

// Put stores a result in memory and, when a mirror is attached, durably.
// Mirror failures are logged and swallowed; the in-memory entry always
// lands.
func (c *ResultCache) Put(patchHandle, testHandle string, res *ExecutionResult) {
	key := pairKey{patch: patchHandle, test: testHandle}

	c.mu.Lock()
	c.mem[key] = res
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	row := &store.ExecutionRow{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ReturnCode: res.ReturnCode,
		Triggered:  res.Triggered,
	}
	if err := c.durable.Put(c.attemptID, patchHandle, testHandle, row); err != nil {
		logging.SandboxWarn("Durable cache write failed for (%s, %s): %v", patchHandle, testHandle, err)
	}
}

// Len reports the number of in-memory entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}
