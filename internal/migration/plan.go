// Package migration implements an ordered chain of version steps applied
// to a table's SQL schema and to the in-memory field bag of each entity.
// Grounded on
// persist::core::migration_impl::{plan_execution,step_builder_and_debug} in
// the original source, adapted from a builder over PersistState to a
// builder over types.State.
package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/types"
)

// StateMigrator transforms an entity's field bag from one schema version to
// the next. It must be a pure function of the state it is given.
type StateMigrator func(state *types.State) error

// Step is one version step in a Plan.
type Step struct {
	FromVersion    int
	ToVersion      int
	SQLStatements  []string
	StateMigrator  StateMigrator
}

// Plan is the ordered chain of Steps plus the version the chain settles on.
type Plan struct {
	CurrentVersion int
	Steps          []Step
}

// Validate enforces the chain invariants:
// from<to per step, steps chain consecutively, and the final to_version
// equals CurrentVersion. An empty plan (CurrentVersion==0, no steps) is
// valid and means "no migrations registered yet".
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		if p.CurrentVersion != 0 {
			return perr.Validationf("migration-plan-empty",
				"plan has current_version=%d but no steps", p.CurrentVersion)
		}
		return nil
	}
	for i, s := range p.Steps {
		if s.FromVersion >= s.ToVersion {
			return perr.Validationf("migration-step-order",
				"step %d: from_version %d must be < to_version %d", i, s.FromVersion, s.ToVersion)
		}
		if i > 0 && p.Steps[i-1].ToVersion != s.FromVersion {
			return perr.Validationf("migration-chain-gap",
				"step %d: from_version %d does not chain from previous to_version %d",
				i, s.FromVersion, p.Steps[i-1].ToVersion)
		}
	}
	last := p.Steps[len(p.Steps)-1]
	if last.ToVersion != p.CurrentVersion {
		return perr.Validationf("migration-final-version",
			"final step to_version %d does not match plan.current_version %d",
			last.ToVersion, p.CurrentVersion)
	}
	return nil
}

// resolveChain returns the ordered steps needed to walk a record/table from
// fromVersion up to CurrentVersion.
func (p Plan) resolveChain(fromVersion int) ([]Step, error) {
	var chain []Step
	cursor := fromVersion
	for _, s := range p.Steps {
		if s.FromVersion < cursor {
			continue
		}
		if s.FromVersion != cursor {
			return nil, perr.Internalf("migration chain has a gap at version %d", cursor)
		}
		chain = append(chain, s)
		cursor = s.ToVersion
	}
	if cursor != p.CurrentVersion {
		return nil, perr.Internalf("migration chain from %d does not reach current_version %d", fromVersion, p.CurrentVersion)
	}
	return chain, nil
}

// MigrateState walks state's field bag up to CurrentVersion in place,
// implementing invariant 4's write-side half (schema_version is bumped to
// current on every step applied).
func (p Plan) MigrateState(state *types.State) error {
	if err := p.Validate(); err != nil {
		return err
	}
	from := state.Metadata.SchemaVersion
	if from == p.CurrentVersion {
		return nil
	}
	chain, err := p.resolveChain(from)
	if err != nil {
		return err
	}
	for _, step := range chain {
		if step.StateMigrator != nil {
			if err := step.StateMigrator(state); err != nil {
				return perr.Wrap(perr.Internal, "migration-step-failed",
					fmt.Sprintf("state migrator %d->%d failed", step.FromVersion, step.ToVersion), err)
			}
		}
		state.Metadata.SchemaVersion = step.ToVersion
	}
	return nil
}

// SQLExecutor is the subset of internal/session.Session a migration plan
// needs to apply DDL; kept as a narrow interface so migration stays
// independent of the session package.
type SQLExecutor interface {
	Exec(ctx context.Context, sql string) error
	GetTableSchemaVersion(ctx context.Context, table string) (int, bool, error)
	SetTableSchemaVersion(ctx context.Context, table string, version int) error
}

// MigrateTableFrom runs the SQL side of every step from fromVersion to
// CurrentVersion against table, substituting the literal {table} token.
func (p Plan) MigrateTableFrom(ctx context.Context, exec SQLExecutor, table string, fromVersion int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	chain, err := p.resolveChain(fromVersion)
	if err != nil {
		return err
	}
	for _, step := range chain {
		for _, sql := range step.SQLStatements {
			rendered := strings.ReplaceAll(sql, "{table}", table)
			if err := exec.Exec(ctx, rendered); err != nil {
				return perr.Storagef(err, "migration sql failed for table %q (%d->%d)", table, step.FromVersion, step.ToVersion)
			}
		}
	}
	return exec.SetTableSchemaVersion(ctx, table, p.CurrentVersion)
}

// EnsureTableSchemaVersion implements the §4.1 open-table policy: no-op if
// the table is already current, apply the chain if behind, and allow
// read-only operation (but refuse future writes; enforced by the caller,
// not here) when the table is ahead.
func (p Plan) EnsureTableSchemaVersion(ctx context.Context, exec SQLExecutor, table string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	current, ok, err := exec.GetTableSchemaVersion(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return exec.SetTableSchemaVersion(ctx, table, p.CurrentVersion)
	}
	switch {
	case current > p.CurrentVersion:
		return nil // forward-compatible read-only path
	case current < p.CurrentVersion:
		return p.MigrateTableFrom(ctx, exec, table, current)
	default:
		return nil
	}
}

// IsAhead reports whether a record/table schema_version is newer than this
// plan's CurrentVersion; such writes are refused with perr.Validation,
// code "schema-version-ahead".
func (p Plan) IsAhead(schemaVersion int) bool {
	return schemaVersion > p.CurrentVersion
}
