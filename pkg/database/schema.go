package database

import (
	"database/sql"
	"fmt"
)

var requiredTables = []string{"therapists", "ratings", "sessions", "schema_migrations"}

var requiredIndexes = []string{
	"idx_therapists_alias",
	"idx_therapists_created_at",
	"idx_ratings_therapist",
	"idx_sessions_therapist_status",
	"idx_sessions_request",
}

var requiredColumns = map[string]map[string]string{
	"therapists": {
		"id":              "TEXT",
		"alias":           "TEXT",
		"specializations": "TEXT",
		"languages":       "TEXT",
		"session_types":   "TEXT",
		"created_at":      "DATETIME",
	},
	"ratings": {
		"id":           "INTEGER",
		"therapist_id": "TEXT",
		"score":        "INTEGER",
		"created_at":   "DATETIME",
	},
	"sessions": {
		"id":           "TEXT",
		"request_id":   "TEXT",
		"participant":  "TEXT",
		"therapist":    "TEXT",
		"session_type": "TEXT",
		"start_time":   "DATETIME",
		"end_time":     "DATETIME",
		"status":       "TEXT",
	},
}

// SchemaValidator checks a migrated database against what the store's
// queries expect.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	for _, check := range []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateTableStructure() error {
	for _, table := range []string{"therapists", "ratings", "sessions"} {
		if err := v.validateColumns(table, requiredColumns[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints exercises the foreign key and check constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO ratings (therapist_id, score) VALUES ('__missing_therapist__', 3)`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: ratings.therapist_id")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, request_id, participant, therapist, session_type, start_time)
		VALUES ('__check__', '__check__', 'p', 't', 'carrier_pigeon', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: sessions.session_type")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expected {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
