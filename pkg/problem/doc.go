// Package problem writes RFC 7807 application/problem+json responses for the
// error kinds shared by every TansuCloud HTTP surface.
package problem
