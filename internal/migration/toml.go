package migration

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ionvault/persist/internal/perr"
)

// tomlDocument is the on-disk shape a migration plan may be authored as,
// alongside the Go-native Plan builder API. SQL-only steps with no
// in-memory field transform are expressed this way; steps needing a
// StateMigrator are still built in Go and merged in by the caller.
type tomlDocument struct {
	CurrentVersion int         `toml:"current_version"`
	Steps          []tomlStep `toml:"steps"`
}

type tomlStep struct {
	FromVersion   int      `toml:"from_version"`
	ToVersion     int      `toml:"to_version"`
	SQLStatements []string `toml:"sql"`
}

// LoadPlanTOML reads a migration plan document from path, decoding each
// step's SQL statements. Steps requiring a StateMigrator are left with a
// nil one; callers needing field-bag transforms should attach them with
// WithStateMigrator before calling Validate.
func LoadPlanTOML(path string) (Plan, error) {
	var doc tomlDocument
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return Plan{}, perr.NotFoundf("migration plan document %q not found", path)
		}
		return Plan{}, perr.Wrap(perr.Validation, "migration-plan-toml-invalid",
			"failed to decode migration plan document", err)
	}

	steps := make([]Step, len(doc.Steps))
	for i, s := range doc.Steps {
		steps[i] = Step{FromVersion: s.FromVersion, ToVersion: s.ToVersion, SQLStatements: s.SQLStatements}
	}
	plan := Plan{CurrentVersion: doc.CurrentVersion, Steps: steps}
	return plan, plan.Validate()
}

// WithStateMigrator returns a copy of p with step i's StateMigrator set to
// m, for attaching in-memory field transforms to a TOML-authored plan.
func (p Plan) WithStateMigrator(i int, m StateMigrator) Plan {
	steps := append([]Step(nil), p.Steps...)
	if i >= 0 && i < len(steps) {
		steps[i].StateMigrator = m
	}
	return Plan{CurrentVersion: p.CurrentVersion, Steps: steps}
}
