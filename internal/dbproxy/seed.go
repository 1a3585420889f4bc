package dbproxy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedManifest is an optional startup fixture (the dbproxy command's
// -seed flag, e.g. "seed.yaml"): a set of tables, their columns, and
// the rows to preload, used for demos and integration tests so every
// replica starts from identical state without hand-written DDL.
type SeedManifest struct {
	Tables []SeedTable `yaml:"tables"`
}

type SeedTable struct {
	Name    string       `yaml:"name"`
	Columns []SeedColumn `yaml:"columns"`
	Rows    [][]any      `yaml:"rows"`
}

type SeedColumn struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // raw SQL type, e.g. "INTEGER", "TEXT"
}

// LoadSeedManifest decodes a seed.yaml file.
func LoadSeedManifest(path string) (*SeedManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbproxy: read seed manifest %s: %w", path, err)
	}
	var m SeedManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("dbproxy: decode seed manifest %s: %w", path, err)
	}
	return &m, nil
}

// Apply creates every table in the manifest (CREATE TABLE IF NOT
// EXISTS) and inserts its seed rows, all inside one transaction.
func (m *SeedManifest) Apply(ctx context.Context, s *Store) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbproxy: seed: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range m.Tables {
		if err := applySeedTable(ctx, tx, table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applySeedTable(ctx context.Context, tx execer, table SeedTable) error {
	cols := make([]string, len(table.Columns))
	names := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
		names[i] = c.Name
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table.Name, strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("dbproxy: seed: create %s: %w", table.Name, err)
	}

	if len(table.Rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(names))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table.Name, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	for _, row := range table.Rows {
		if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
			return fmt.Errorf("dbproxy: seed: insert into %s: %w", table.Name, err)
		}
	}
	return nil
}
