/*
Package tenant implements tenant identity for TansuCloud.

A tenant is an isolation boundary: its normalized id, prefixed with
tansu_tenant_, names both the tenant database and the tenant storage root.
Resolution inspects the request path first (/t/{id} directly or after a route
base segment) and falls back to the first subdomain label for multi-label
hosts, ignoring reserved hosts such as localhost, bare IPs and www.
*/
package tenant
