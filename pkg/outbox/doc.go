/*
Package outbox implements the transactional outbox for TansuCloud services.

Producers enqueue an event inside the same database transaction as the write
it describes, so the event exists if and only if the write committed. A
background dispatcher drains pending rows in (next_attempt_at NULLS FIRST,
occurred_at) order, publishes them to the Redis mutation bus, and retries
failures with exponential backoff until they dispatch or die. A partial
unique index on idempotency_key keeps concurrent producers at-most-once.
*/
package outbox
