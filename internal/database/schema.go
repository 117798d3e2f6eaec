package database

import (
	"fmt"

	"gorm.io/gorm"
)

// ensureSuspicionSchema installs the partial unique index that keeps a single
// open flag per (ip, reason_kind). The statement is valid on postgres and sqlite.
func ensureSuspicionSchema(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("nil database connection")
	}

	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suspicion_flags_open ON suspicion_flags (ip, reason_kind) WHERE resolved = false`,
		`CREATE INDEX IF NOT EXISTS idx_suspicion_flags_detected ON suspicion_flags (detected_at)`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("suspicion schema: %w", err)
		}
	}

	return nil
}
