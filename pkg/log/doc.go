/*
Package log provides structured logging for all TansuCloud services.

Built on zerolog, it exposes a global logger configured once at startup via
Init, child-logger helpers for attaching component and tenant fields, and a
request-scope helper that carries correlation, tenant, route and trace fields
through a single HTTP request.

Runtime category overrides (SetCategoryLevel) allow a single category, such as
the gateway rate-limit rejection category, to be raised to debug verbosity in
production without changing the global level.
*/
package log
