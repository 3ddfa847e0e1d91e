package logstore

import (
	"database/sql"

	"github.com/kestrelctl/a2arelay/pkg/db"
)

// migrations creates the single logs table and its indices, per spec.md §3/§4.9.
func migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     20260101000001,
			Description: "create logs table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE logs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						timestamp TEXT NOT NULL,
						level TEXT NOT NULL,
						component TEXT NOT NULL,
						event TEXT NOT NULL,
						message TEXT NOT NULL,
						trace_id TEXT,
						conversation_id TEXT,
						token_id TEXT,
						request_id TEXT,
						error_code TEXT,
						status_code INTEGER,
						hint TEXT,
						data TEXT
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE logs`)
				return err
			},
		},
		{
			Version:     20260101000002,
			Description: "index logs table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE INDEX idx_logs_timestamp ON logs(timestamp DESC)`,
					`CREATE INDEX idx_logs_trace_id ON logs(trace_id)`,
					`CREATE INDEX idx_logs_conversation_id ON logs(conversation_id)`,
					`CREATE INDEX idx_logs_token_id ON logs(token_id)`,
					`CREATE INDEX idx_logs_error_code ON logs(error_code)`,
					`CREATE INDEX idx_logs_component ON logs(component)`,
					`CREATE INDEX idx_logs_level ON logs(level)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				stmts := []string{
					`DROP INDEX idx_logs_timestamp`,
					`DROP INDEX idx_logs_trace_id`,
					`DROP INDEX idx_logs_conversation_id`,
					`DROP INDEX idx_logs_token_id`,
					`DROP INDEX idx_logs_error_code`,
					`DROP INDEX idx_logs_component`,
					`DROP INDEX idx_logs_level`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
