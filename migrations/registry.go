// Package migrations exposes the embedded custody schema migrations
// and registers them with a caller-supplied migration runner. The
// postgres files sit at the root of the embedded tree and the sqlite
// alternatives under sqlite/.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	custody "github.com/anchorledger/custody-core"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	sourceLabel = "custody-core"
	treeRoot    = "data/sql/migrations"
)

// RegisterFunc hands one dialect's migration filesystem to the runner.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*registration)

type registration struct {
	dialects []string
}

// WithValidationTargets restricts registration to the named dialects.
// Both dialects register by default.
func WithValidationTargets(dialects ...string) Option {
	return func(r *registration) {
		next := make([]string, 0, len(dialects))
		for _, dialect := range dialects {
			trimmed := strings.TrimSpace(strings.ToLower(dialect))
			if trimmed != "" {
				next = append(next, trimmed)
			}
		}
		if len(next) > 0 {
			r.dialects = next
		}
	}
}

// FS returns the embedded migration tree for one dialect. It fails
// when the tree carries no *.up.sql files, so a broken embed surfaces
// at registration rather than at first migrate.
func FS(dialect string) (fs.FS, error) {
	sub := treeRoot
	switch strings.TrimSpace(strings.ToLower(dialect)) {
	case DialectPostgres:
	case DialectSQLite:
		sub = treeRoot + "/sqlite"
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	fsys, err := fs.Sub(custody.GetMigrationsFS(), sub)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s tree: %w", dialect, err)
	}
	matches, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s tree: %w", dialect, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("migrations: %s tree %q has no *.up.sql files", dialect, sub)
	}
	return fsys, nil
}

// Register feeds each requested dialect's migration tree to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) error {
	if registerFn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	reg := registration{dialects: []string{DialectPostgres, DialectSQLite}}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	for _, dialect := range reg.dialects {
		fsys, err := FS(dialect)
		if err != nil {
			return err
		}
		if err := registerFn(ctx, dialect, sourceLabel, fsys); err != nil {
			return fmt.Errorf("migrations: register %s: %w", dialect, err)
		}
	}
	return nil
}
