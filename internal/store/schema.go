package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// tableDef pairs a table name with its CREATE statement and the
// ordered column list used for verification and upgrades.
type tableDef struct {
	name    string
	create  string
	columns []columnDef
}

type columnDef struct {
	name string
	// decl is the full column declaration used for ALTER TABLE ADD
	// COLUMN during upgrades.
	decl string
}

var schemaTables = []tableDef{
	{
		name: "agents",
		create: `CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT,
			created_at TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL
		)`,
		columns: []columnDef{
			{"agent_id", "agent_id TEXT"},
			{"name", "name TEXT"},
			{"created_at", "created_at TIMESTAMP"},
			{"last_seen", "last_seen TIMESTAMP"},
		},
	},
	{
		name: "sessions",
		create: `CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			metadata TEXT
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"agent_id", "agent_id TEXT"},
			{"start_time", "start_time TIMESTAMP"},
			{"end_time", "end_time TIMESTAMP"},
			{"metadata", "metadata TEXT"},
		},
	},
	{
		name: "conversations",
		create: `CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			metadata TEXT
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"session_id", "session_id INTEGER"},
			{"start_time", "start_time TIMESTAMP"},
			{"end_time", "end_time TIMESTAMP"},
			{"metadata", "metadata TEXT"},
		},
	},
	{
		name: "events",
		create: `CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			session_id INTEGER REFERENCES sessions(id) ON DELETE CASCADE,
			conversation_id INTEGER REFERENCES conversations(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			channel TEXT NOT NULL,
			level TEXT NOT NULL,
			direction TEXT,
			timestamp TIMESTAMP NOT NULL,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			data TEXT
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"agent_id", "agent_id TEXT"},
			{"session_id", "session_id INTEGER"},
			{"conversation_id", "conversation_id INTEGER"},
			{"event_type", "event_type TEXT"},
			{"channel", "channel TEXT"},
			{"level", "level TEXT"},
			{"direction", "direction TEXT"},
			{"timestamp", "timestamp TIMESTAMP"},
			{"trace_id", "trace_id TEXT"},
			{"span_id", "span_id TEXT"},
			{"parent_span_id", "parent_span_id TEXT"},
			{"data", "data TEXT"},
		},
	},
	{
		name: "llm_calls",
		create: `CREATE TABLE IF NOT EXISTS llm_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			prompt TEXT,
			response TEXT,
			tokens_in INTEGER,
			tokens_out INTEGER,
			duration_ms REAL,
			is_stream BOOLEAN NOT NULL DEFAULT 0,
			temperature REAL,
			cost REAL
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"event_id", "event_id INTEGER"},
			{"model", "model TEXT"},
			{"prompt", "prompt TEXT"},
			{"response", "response TEXT"},
			{"tokens_in", "tokens_in INTEGER"},
			{"tokens_out", "tokens_out INTEGER"},
			{"duration_ms", "duration_ms REAL"},
			{"is_stream", "is_stream BOOLEAN DEFAULT 0"},
			{"temperature", "temperature REAL"},
			{"cost", "cost REAL"},
		},
	},
	{
		name: "tool_calls",
		create: `CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			input_params TEXT,
			output_result TEXT,
			success BOOLEAN NOT NULL DEFAULT 1,
			error_message TEXT,
			duration_ms REAL,
			blocking BOOLEAN NOT NULL DEFAULT 1
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"event_id", "event_id INTEGER"},
			{"tool_name", "tool_name TEXT"},
			{"input_params", "input_params TEXT"},
			{"output_result", "output_result TEXT"},
			{"success", "success BOOLEAN DEFAULT 1"},
			{"error_message", "error_message TEXT"},
			{"duration_ms", "duration_ms REAL"},
			{"blocking", "blocking BOOLEAN DEFAULT 1"},
		},
	},
	{
		name: "security_alerts",
		create: `CREATE TABLE IF NOT EXISTS security_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			matched_terms TEXT,
			action_taken TEXT,
			timestamp TIMESTAMP NOT NULL
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"event_id", "event_id INTEGER"},
			{"alert_type", "alert_type TEXT"},
			{"severity", "severity TEXT"},
			{"description", "description TEXT"},
			{"matched_terms", "matched_terms TEXT"},
			{"action_taken", "action_taken TEXT"},
			{"timestamp", "timestamp TIMESTAMP"},
		},
	},
	{
		name: "event_security",
		create: `CREATE TABLE IF NOT EXISTS event_security (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			alert_level TEXT NOT NULL,
			matched_terms TEXT,
			reason TEXT,
			source_field TEXT
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"event_id", "event_id INTEGER"},
			{"alert_level", "alert_level TEXT"},
			{"matched_terms", "matched_terms TEXT"},
			{"reason", "reason TEXT"},
			{"source_field", "source_field TEXT"},
		},
	},
	{
		name: "performance_metrics",
		create: `CREATE TABLE IF NOT EXISTS performance_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			memory_usage REAL,
			cpu_usage REAL,
			duration_ms REAL,
			tokens_processed INTEGER,
			cost REAL
		)`,
		columns: []columnDef{
			{"id", "id INTEGER"},
			{"event_id", "event_id INTEGER"},
			{"memory_usage", "memory_usage REAL"},
			{"cpu_usage", "cpu_usage REAL"},
			{"duration_ms", "duration_ms REAL"},
			{"tokens_processed", "tokens_processed INTEGER"},
			{"cost", "cost REAL"},
		},
	},
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_conversation_id ON events(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_level ON events(level)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_llm_calls_event_id ON llm_calls(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_llm_calls_model ON llm_calls(model)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_event_id ON tool_calls(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_tool_name ON tool_calls(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_success ON tool_calls(success)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_event_id ON security_alerts(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_alert_type ON security_alerts(alert_type)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_severity ON security_alerts(severity)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_timestamp ON security_alerts(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_event_security_event_id ON event_security(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_event_security_alert_level ON event_security(alert_level)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_event_id ON performance_metrics(event_id)`,
}

// initSchema creates missing tables and indexes, then logs (without
// applying) any column drift on existing tables.
func (s *Store) initSchema(ctx context.Context) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range schemaTables {
			if _, err := tx.ExecContext(ctx, t.create); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
		}
		for _, idx := range schemaIndexes {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	report, err := s.VerifySchema(ctx)
	if err != nil {
		return err
	}
	if len(report.MissingColumns) > 0 {
		s.logger.Warn("schema has missing columns; run UpdateSchema to apply",
			"missing", report.MissingColumns)
	}
	return nil
}

// SchemaReport describes the difference between the live database and
// the expected schema.
type SchemaReport struct {
	Matches        bool                `json:"matches"`
	MissingTables  []string            `json:"missing_tables"`
	MissingColumns map[string][]string `json:"missing_columns"`
	ExtraTables    []string            `json:"extra_tables"`
	ExtraColumns   map[string][]string `json:"extra_columns"`
}

// VerifySchema compares the live database against the expected tables
// and columns. A mismatch is reported, never an error; the caller
// decides what to do. SQLite bookkeeping tables are ignored.
func (s *Store) VerifySchema(ctx context.Context) (*SchemaReport, error) {
	actual, err := s.actualSchema(ctx)
	if err != nil {
		return nil, err
	}

	report := &SchemaReport{
		MissingColumns: map[string][]string{},
		ExtraColumns:   map[string][]string{},
	}

	expected := map[string]map[string]bool{}
	for _, t := range schemaTables {
		cols := map[string]bool{}
		for _, c := range t.columns {
			cols[c.name] = true
		}
		expected[t.name] = cols
	}

	for name, cols := range expected {
		actualCols, ok := actual[name]
		if !ok {
			report.MissingTables = append(report.MissingTables, name)
			continue
		}
		for col := range cols {
			if !actualCols[col] {
				report.MissingColumns[name] = append(report.MissingColumns[name], col)
			}
		}
		for col := range actualCols {
			if !cols[col] {
				report.ExtraColumns[name] = append(report.ExtraColumns[name], col)
			}
		}
	}
	for name := range actual {
		if _, ok := expected[name]; !ok {
			report.ExtraTables = append(report.ExtraTables, name)
		}
	}

	sort.Strings(report.MissingTables)
	sort.Strings(report.ExtraTables)
	for _, m := range []map[string][]string{report.MissingColumns, report.ExtraColumns} {
		for k, v := range m {
			sort.Strings(v)
			m[k] = v
		}
	}
	report.Matches = len(report.MissingTables) == 0 &&
		len(report.MissingColumns) == 0 &&
		len(report.ExtraTables) == 0 &&
		len(report.ExtraColumns) == 0
	return report, nil
}

func (s *Store) actualSchema(ctx context.Context) (map[string]map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]map[string]bool{}
	for _, name := range names {
		cols, err := s.tableColumns(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = cols
	}
	return out, nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// UpdateSchema creates missing tables and adds missing columns in one
// transaction. Existing tables and columns are never dropped or
// renamed.
func (s *Store) UpdateSchema(ctx context.Context) (*SchemaReport, error) {
	report, err := s.VerifySchema(ctx)
	if err != nil {
		return nil, err
	}
	if report.Matches || (len(report.MissingTables) == 0 && len(report.MissingColumns) == 0) {
		return report, nil
	}

	missingTables := map[string]bool{}
	for _, t := range report.MissingTables {
		missingTables[t] = true
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range schemaTables {
			if missingTables[t.name] {
				if _, err := tx.ExecContext(ctx, t.create); err != nil {
					return fmt.Errorf("create table %s: %w", t.name, err)
				}
				continue
			}
			missing := report.MissingColumns[t.name]
			if len(missing) == 0 {
				continue
			}
			want := map[string]bool{}
			for _, col := range missing {
				want[col] = true
			}
			for _, c := range t.columns {
				if !want[c.name] {
					continue
				}
				stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", t.name, c.decl)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("add column %s.%s: %w", t.name, c.name, err)
				}
			}
		}
		for _, idx := range schemaIndexes {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schema updated",
		"tables_added", report.MissingTables, "columns_added", report.MissingColumns)
	return s.VerifySchema(ctx)
}

// ResetResult reports the outcome of Reset.
type ResetResult struct {
	BackupPath string `json:"backup_path"`
}

// ErrResetNotForced is returned when Reset is called without force.
var ErrResetNotForced = fmt.Errorf("reset refused: force flag not set")

// Reset backs up the database file to a timestamped sibling, removes
// it, and reinitializes an empty schema. In-memory databases are
// recreated without a backup.
func (s *Store) Reset(ctx context.Context, force bool) (*ResetResult, error) {
	if !force {
		return nil, ErrResetNotForced
	}

	if s.path == ":memory:" {
		if err := s.dropAll(ctx); err != nil {
			return nil, err
		}
		return &ResetResult{}, s.initSchema(ctx)
	}

	backup := strings.TrimSuffix(s.path, filepath.Ext(s.path)) +
		"_backup_" + time.Now().Format("20060102_150405") + ".db"
	// Fold the WAL into the main file so the copy is complete.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("wal checkpoint before backup failed", "error", err)
	}
	if err := copyFile(s.path, backup); err != nil {
		return nil, fmt.Errorf("backup database: %w", err)
	}

	if err := s.dropAll(ctx); err != nil {
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("database reset", "backup", backup)
	return &ResetResult{BackupPath: backup}, nil
}

func (s *Store) dropAll(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		// Children before parents so foreign keys never block.
		for i := len(schemaTables) - 1; i >= 0; i-- {
			stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", schemaTables[i].name)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("drop table %s: %w", schemaTables[i].name, err)
			}
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
