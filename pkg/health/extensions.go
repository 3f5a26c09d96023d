package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// VersionsFunc reports installed extension versions per tenant database.
type VersionsFunc func(ctx context.Context) (map[string]map[string]string, error)

// ExtensionChecker flags version drift of Postgres extensions across tenant
// databases. Drift is degraded, not unhealthy: queries still work, but the
// fleet needs an extension update pass.
type ExtensionChecker struct {
	name     string
	versions VersionsFunc
}

// NewExtensionChecker wraps a versions source, typically the schema
// reconciler.
func NewExtensionChecker(versions VersionsFunc) *ExtensionChecker {
	return &ExtensionChecker{name: "extension-versions", versions: versions}
}

func (e *ExtensionChecker) Name() string { return e.name }

// Check compares every extension's version set across databases.
func (e *ExtensionChecker) Check(ctx context.Context) Result {
	start := time.Now()

	byDatabase, err := e.versions(ctx)
	if err != nil {
		return Result{
			State:     StateUnhealthy,
			Message:   fmt.Sprintf("failed to read extension versions: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	seen := map[string]map[string]struct{}{}
	for _, exts := range byDatabase {
		for ext, version := range exts {
			if seen[ext] == nil {
				seen[ext] = map[string]struct{}{}
			}
			seen[ext][version] = struct{}{}
		}
	}

	var diverged []string
	for ext, versions := range seen {
		if len(versions) > 1 {
			diverged = append(diverged, ext)
		}
	}
	if len(diverged) > 0 {
		sort.Strings(diverged)
		return Result{
			State:     StateDegraded,
			Message:   fmt.Sprintf("extension versions diverge across databases: %s", strings.Join(diverged, ", ")),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		State:     StateHealthy,
		Message:   fmt.Sprintf("%d databases consistent", len(byDatabase)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
