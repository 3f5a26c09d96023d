/*
Package cacheversion maintains the per-tenant monotonic cache version used to
namespace gateway cache keys.

The counter is process-wide and guarded for concurrent use; Increment is
atomic and monotone per tenant, so readers always observe a non-decreasing
value. A background Subscriber listens on the Redis mutation bus and bumps
the version for any event carrying a tenant, making cache invalidation O(1):
previous keys simply become unreachable.
*/
package cacheversion
