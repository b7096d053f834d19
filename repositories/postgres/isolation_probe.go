package postgres

import (
	"context"
	"fmt"

	"github.com/upb/ticket-enhancer/repositories"
)

// IsolationProbe implements repositories.IsolationProbe
type IsolationProbe struct{}

// NewIsolationProbe creates a new isolation probe
func NewIsolationProbe() repositories.IsolationProbe {
	return &IsolationProbe{}
}

// ForeignRowCounts counts, per tenant-scoped table, rows visible under the current
// context that belong to another tenant. The query has no tenant predicate of its own.
func (p *IsolationProbe) ForeignRowCounts(ctx context.Context) (map[string]int, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(tenantScopedTables))
	for _, t := range tenantScopedTables {
		query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s <> $1`, t.Name, t.Column)
		var n int
		if err := executor.QueryRowContext(ctx, query, scopeTenant).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", t.Name, err)
		}
		counts[t.Name] = n
	}
	return counts, nil
}
