// Package clslock declares the object-class distributed-lock client
// stubs; no other package in this module uses them. Per
// spec.md §1 the underlying object-class RPC transport is out of scope;
// only the lock primitive's shape is modeled.
//
// Grounded on original_source/src/cls/lock/cls_lock_client.h.
package clslock

import "context"

// Client is an object-class exclusive/shared lock primitive, keyed by
// (pool, object, lock name) the way the original cls_lock object class is.
type Client interface {
	Lock(ctx context.Context, pool, object, lockName, cookie string, shared bool) error
	Unlock(ctx context.Context, pool, object, lockName, cookie string) error
	// BreakLock forcibly removes a stale lock holder, used by recovery
	// tooling after an rbd client crashes without releasing its lock.
	BreakLock(ctx context.Context, pool, object, lockName, holderCookie string) error
}
