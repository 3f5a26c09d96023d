// Package config loads TansuCloud service configuration from a YAML file
// overlaid with TANSU_* environment variables, and reads the externally
// defined platform contract variables (environment selector, pool admin
// credentials, base URLs) verbatim.
package config
