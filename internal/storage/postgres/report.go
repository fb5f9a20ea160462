package postgres

import (
	"context"
	"fmt"
)

// Environments lists distinct environments of secrets under project,
// optionally narrowed to one location. An empty project matches every key.
func (s *Store) Environments(ctx context.Context, project, location string) ([]string, error) {
	return s.queryStrings(ctx, "list environments", fmt.Sprintf(
		`SELECT DISTINCT environment FROM %s.secrets
		WHERE environment IS NOT NULL
			AND ($1 = '' OR key LIKE 'projects/' || $1 || '/%%')
			AND ($2 = '' OR location = $2)
		ORDER BY environment`, s.q), project, location)
}

// Locations lists distinct locations of secrets under project. An empty
// project matches every key.
func (s *Store) Locations(ctx context.Context, project string) ([]string, error) {
	return s.queryStrings(ctx, "list locations", fmt.Sprintf(
		`SELECT DISTINCT location FROM %s.secrets
		WHERE location IS NOT NULL
			AND ($1 = '' OR key LIKE 'projects/' || $1 || '/%%')
		ORDER BY location`, s.q), project)
}

// Projects lists distinct project ids found in projects/{p}/secrets/... keys.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "list projects", fmt.Sprintf(
		`SELECT DISTINCT split_part(key, '/', 2) AS project FROM %s.secrets
		WHERE key LIKE 'projects/%%/secrets/%%'
		ORDER BY project`, s.q))
}

// FilterKeys lists keys under prefix narrowed by environment and location.
func (s *Store) FilterKeys(ctx context.Context, prefix, environment, location string) ([]string, error) {
	return s.queryStrings(ctx, "filter keys", fmt.Sprintf(
		`SELECT key FROM %s.secrets
		WHERE starts_with(key, $1)
			AND ($2 = '' OR environment = $2)
			AND ($3 = '' OR location = $3)
		ORDER BY key`, s.q), prefix, environment, location)
}
