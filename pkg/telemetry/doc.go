// Package telemetry ingests log-report envelopes from fleet members into a
// bounded queue, persists them to Postgres, and serves the admin surface
// for listing, acknowledging, and archiving them. Admin access uses a
// static API key, accepted either as a bearer token or as a session cookie
// minted at login.
package telemetry
