package msql

import (
	"fmt"
	"strings"
)

// ParseTableOps parses the whitespace-separated, case-insensitive
// tableops grammar: READ/R and WRITE/W tokens set the mode for
// subsequent table tokens until the next mode token. Duplicate table
// names collapse; a table seen under both modes keeps the stronger
// mode (W).
func ParseTableOps(s string) (TableOps, error) {
	fields := strings.Fields(s)
	mode := R
	modeSet := false
	order := make([]string, 0, len(fields))
	modes := make(map[string]Op, len(fields))
	for _, tok := range fields {
		switch strings.ToUpper(tok) {
		case "READ", "R":
			mode = R
			modeSet = true
			continue
		case "WRITE", "W":
			mode = W
			modeSet = true
			continue
		}
		if !modeSet {
			return nil, fmt.Errorf("msql: table token %q precedes any READ/WRITE mode token", tok)
		}
		table := tok
		if existing, ok := modes[table]; ok {
			if existing == W || mode == R {
				continue // keep the stronger mode already recorded
			}
			modes[table] = W
			continue
		}
		modes[table] = mode
		order = append(order, table)
	}
	out := make(TableOps, 0, len(order))
	for _, t := range order {
		out = append(out, TableOp{Table: t, Op: modes[t]})
	}
	return out, nil
}

// ParseMsqlText parses the Scheduler's msql_text wire convention into an
// Msql value: "BEGIN <tableops>", "QUERY <tableops> | <sql> [EARLY
// <tables>]", "END COMMIT|ROLLBACK". The tableops sub-grammar is exactly
// ParseTableOps; the surrounding per-kind framing is this Scheduler's
// own convention for turning client text into an Msql value.
func ParseMsqlText(s string) (Msql, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("msql: empty msql_text")
	}
	kw, rest := splitFirst(s)
	switch strings.ToUpper(kw) {
	case "BEGIN":
		ops, err := ParseTableOps(rest)
		if err != nil {
			return nil, fmt.Errorf("msql: BEGIN: %w", err)
		}
		// A transaction's declared tableops may freely mix R and W tables;
		// only a single Query's tableops are restricted to one pattern
		// (enforced by the legality checker, not here).
		return BeginTx{TableOps: ops}, nil
	case "QUERY":
		tableopsPart, sqlPart, found := strings.Cut(rest, "|")
		if !found {
			return nil, fmt.Errorf("msql: QUERY: missing '|' separating tableops from sql")
		}
		sqlPart = strings.TrimSpace(sqlPart)
		var earlyTables []string
		if idx := strings.LastIndex(sqlPart, " EARLY "); idx >= 0 {
			earlyStr := sqlPart[idx+len(" EARLY "):]
			sqlPart = strings.TrimSpace(sqlPart[:idx])
			earlyTables = strings.Fields(earlyStr)
		}
		ops, err := ParseTableOps(tableopsPart)
		if err != nil {
			return nil, fmt.Errorf("msql: QUERY: %w", err)
		}
		if sqlPart == "" {
			return nil, fmt.Errorf("msql: QUERY: empty sql")
		}
		return Query{
			SQL:          sqlPart,
			TableOps:     ops,
			EarlyRelease: NewEarlyReleaseTables(earlyTables),
		}, nil
	case "END":
		switch strings.ToUpper(strings.TrimSpace(rest)) {
		case "COMMIT":
			return EndTx{Mode: Commit}, nil
		case "ROLLBACK":
			return EndTx{Mode: Rollback}, nil
		default:
			return nil, fmt.Errorf("msql: END: expected COMMIT or ROLLBACK, got %q", rest)
		}
	default:
		return nil, fmt.Errorf("msql: unknown msql_text keyword %q", kw)
	}
}

func splitFirst(s string) (head, rest string) {
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// String serializes TableOps back into the grammar ParseTableOps accepts,
// grouping by mode so a round trip through Parse/String/Parse is
// idempotent.
func (ops TableOps) String() string {
	var reads, writes []string
	for _, o := range ops {
		switch o.Op {
		case R:
			reads = append(reads, o.Table)
		case W:
			writes = append(writes, o.Table)
		}
	}
	var b strings.Builder
	if len(reads) > 0 {
		b.WriteString("READ ")
		b.WriteString(strings.Join(reads, " "))
	}
	if len(writes) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("WRITE ")
		b.WriteString(strings.Join(writes, " "))
	}
	return b.String()
}
