// Package pooladmin is a client for the connection pooler's admin API.
//
// The verbs are idempotent from the platform's point of view: adding a pool
// that already exists and removing one that is already gone both count as
// success, so provisioning and deprovisioning can be retried blindly.
package pooladmin
