package convstore

import (
	"database/sql"

	"github.com/kestrelctl/a2arelay/pkg/db"
)

// migrations creates the conversations and messages tables per spec.md §3/§4.2.
func migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     20260101000001,
			Description: "create conversations table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE conversations (
						id TEXT PRIMARY KEY,
						contact_id TEXT,
						contact_name TEXT,
						token_id TEXT NOT NULL,
						direction TEXT NOT NULL,
						status TEXT NOT NULL,
						started_at TEXT NOT NULL,
						last_message_at TEXT NOT NULL,
						ended_at TEXT,
						message_count INTEGER NOT NULL DEFAULT 0,
						summary TEXT,
						owner_summary TEXT,
						owner_relevance TEXT,
						owner_goals_touched TEXT,
						owner_action_items TEXT,
						caller_action_items TEXT,
						joint_action_items TEXT,
						collaboration_opportunity TEXT,
						follow_up TEXT,
						notes TEXT,
						collab_state TEXT
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE conversations`)
				return err
			},
		},
		{
			Version:     20260101000002,
			Description: "create messages table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE messages (
						id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL REFERENCES conversations(id),
						timestamp TEXT NOT NULL,
						direction TEXT NOT NULL,
						role TEXT NOT NULL,
						content TEXT NOT NULL,
						metadata TEXT,
						compressed INTEGER NOT NULL DEFAULT 0
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE messages`)
				return err
			},
		},
		{
			Version:     20260101000003,
			Description: "index conversations and messages",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE INDEX idx_conversations_token_id ON conversations(token_id)`,
					`CREATE INDEX idx_conversations_contact_id ON conversations(contact_id)`,
					`CREATE INDEX idx_conversations_status ON conversations(status)`,
					`CREATE INDEX idx_conversations_last_message_at ON conversations(last_message_at)`,
					`CREATE INDEX idx_messages_conversation_id ON messages(conversation_id)`,
					`CREATE INDEX idx_messages_timestamp ON messages(timestamp)`,
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
					`DROP INDEX idx_conversations_token_id`,
					`DROP INDEX idx_conversations_contact_id`,
					`DROP INDEX idx_conversations_status`,
					`DROP INDEX idx_conversations_last_message_at`,
					`DROP INDEX idx_messages_conversation_id`,
					`DROP INDEX idx_messages_timestamp`,
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
