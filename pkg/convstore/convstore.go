// Package convstore implements the Conversation Store (C3): durable
// multi-turn conversations and messages, collaboration-state attachment,
// and the idempotent conclusion protocol. Backed by SQLite via the
// shared pkg/db migration runner, generalized from the teacher's
// pkg/conversations/sqlite single-writer store pattern.
package convstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/kestrelctl/a2arelay/pkg/db"
)

// Direction of a conversation or message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the monotone lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusConcluded Status = "concluded"
	StatusTimeout   Status = "timeout"
)

// Role of a message within a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Relevance is the owner's stated interest in a concluded conversation.
type Relevance string

const (
	RelevanceLow     Relevance = "low"
	RelevanceMedium  Relevance = "medium"
	RelevanceHigh    Relevance = "high"
	RelevanceUnknown Relevance = "unknown"
)

// Conversation is a durable multi-turn session, per spec.md §3.
type Conversation struct {
	ID                       string     `db:"id"`
	ContactID                string     `db:"contact_id"`
	ContactName              string     `db:"contact_name"`
	TokenID                  string     `db:"token_id"`
	Direction                Direction  `db:"direction"`
	Status                   Status     `db:"status"`
	StartedAt                time.Time  `db:"-"`
	LastMessageAt            time.Time  `db:"-"`
	EndedAt                  *time.Time `db:"-"`
	MessageCount             int        `db:"message_count"`
	Summary                  string     `db:"summary"`
	OwnerSummary             string     `db:"owner_summary"`
	OwnerRelevance           Relevance  `db:"owner_relevance"`
	OwnerGoalsTouched        string     `db:"owner_goals_touched"`
	OwnerActionItems         string     `db:"owner_action_items"`
	CallerActionItems        string     `db:"caller_action_items"`
	JointActionItems         string     `db:"joint_action_items"`
	CollaborationOpportunity string     `db:"collaboration_opportunity"`
	FollowUp                 string     `db:"follow_up"`
	Notes                    string     `db:"notes"`
	CollabState              string     `db:"collab_state"`
}

// Message is one conversation turn, per spec.md §3.
type Message struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Timestamp      time.Time `db:"-"`
	Direction      Direction `db:"direction"`
	Role           Role      `db:"role"`
	Content        string    `db:"content"`
	Metadata       string    `db:"metadata"`
	Compressed     bool      `db:"compressed"`
}

type conversationRow struct {
	ID                       string         `db:"id"`
	ContactID                sql.NullString `db:"contact_id"`
	ContactName              sql.NullString `db:"contact_name"`
	TokenID                  string         `db:"token_id"`
	Direction                string         `db:"direction"`
	Status                   string         `db:"status"`
	StartedAt                string         `db:"started_at"`
	LastMessageAt            string         `db:"last_message_at"`
	EndedAt                  sql.NullString `db:"ended_at"`
	MessageCount             int            `db:"message_count"`
	Summary                  sql.NullString `db:"summary"`
	OwnerSummary             sql.NullString `db:"owner_summary"`
	OwnerRelevance           sql.NullString `db:"owner_relevance"`
	OwnerGoalsTouched        sql.NullString `db:"owner_goals_touched"`
	OwnerActionItems         sql.NullString `db:"owner_action_items"`
	CallerActionItems        sql.NullString `db:"caller_action_items"`
	JointActionItems         sql.NullString `db:"joint_action_items"`
	CollaborationOpportunity sql.NullString `db:"collaboration_opportunity"`
	FollowUp                 sql.NullString `db:"follow_up"`
	Notes                    sql.NullString `db:"notes"`
	CollabState              sql.NullString `db:"collab_state"`
}

func (r conversationRow) toConversation() Conversation {
	started, _ := time.Parse(time.RFC3339Nano, r.StartedAt)
	last, _ := time.Parse(time.RFC3339Nano, r.LastMessageAt)
	var ended *time.Time
	if r.EndedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, r.EndedAt.String)
		if err == nil {
			ended = &t
		}
	}
	return Conversation{
		ID:                       r.ID,
		ContactID:                r.ContactID.String,
		ContactName:              r.ContactName.String,
		TokenID:                  r.TokenID,
		Direction:                Direction(r.Direction),
		Status:                   Status(r.Status),
		StartedAt:                started,
		LastMessageAt:            last,
		EndedAt:                  ended,
		MessageCount:             r.MessageCount,
		Summary:                  r.Summary.String,
		OwnerSummary:             r.OwnerSummary.String,
		OwnerRelevance:           Relevance(r.OwnerRelevance.String),
		OwnerGoalsTouched:        r.OwnerGoalsTouched.String,
		OwnerActionItems:         r.OwnerActionItems.String,
		CallerActionItems:        r.CallerActionItems.String,
		JointActionItems:         r.JointActionItems.String,
		CollaborationOpportunity: r.CollaborationOpportunity.String,
		FollowUp:                 r.FollowUp.String,
		Notes:                    r.Notes.String,
		CollabState:              r.CollabState.String,
	}
}

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Timestamp      string `db:"timestamp"`
	Direction      string `db:"direction"`
	Role           string `db:"role"`
	Content        string `db:"content"`
	Metadata       sql.NullString `db:"metadata"`
	Compressed     bool   `db:"compressed"`
}

func (r messageRow) toMessage() Message {
	ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Timestamp:      ts,
		Direction:      Direction(r.Direction),
		Role:           Role(r.Role),
		Content:        r.Content,
		Metadata:       r.Metadata.String,
		Compressed:     r.Compressed,
	}
}

// StartSpec describes a conversation to start or resume.
type StartSpec struct {
	ConversationID string // if set and belongs to TokenID, resumed
	ContactID      string
	ContactName    string
	TokenID        string
	Direction      Direction
}

// Summarizer produces structured conclusion fields from a message history
// and owner context. A failing or empty summarizer never blocks
// conclusion (spec.md §4.2).
type Summarizer func(ctx context.Context, messages []Message, ownerContext string) (Summary, error)

// Summary is the structured output of a Summarizer.
type Summary struct {
	Summary                  string
	OwnerSummary              string
	OwnerRelevance            Relevance
	OwnerGoalsTouched         string
	OwnerActionItems          string
	CallerActionItems         string
	JointActionItems          string
	CollaborationOpportunity  string
	FollowUp                  string
}

// Store is the SQLite-backed Conversation Store.
type Store struct {
	db   *sqlx.DB
	lock *KeyedLock
}

// Open opens (creating and migrating if necessary) the conversation
// store at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := db.RunMigrations(ctx, dbPath, migrations()); err != nil {
		return nil, err
	}
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: sqlDB, lock: NewKeyedLock()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lock acquires the per-conversation guard for id, serializing
// append→invoke→append→meter against other callers on the same
// conversation (spec.md §5). Callers must Unlock.
func (s *Store) Lock(id string) {
	s.lock.Lock(id)
}

// Unlock releases the per-conversation guard for id.
func (s *Store) Unlock(id string) {
	s.lock.Unlock(id)
}

// StartResult is the outcome of Start.
type StartResult struct {
	ID      string
	Resumed bool
}

// ErrConversationConcluded is returned by Start when the caller supplies
// a conversation_id whose status is no longer active — per the monotone
// status invariant (spec.md §3), a concluded or timed-out conversation
// never resumes accepting turns.
var ErrConversationConcluded = errors.New("conversation already concluded")

// Start resumes an existing conversation scoped to spec.TokenID, or
// starts a new one. Resuming a conversation_id that belongs to a
// different token is rejected — per spec.md §9's Open Question decision,
// cross-token resumption always returns an error rather than silently
// opening a new conversation. Resuming one that has already concluded or
// timed out is likewise rejected, rather than reopened.
func (s *Store) Start(ctx context.Context, spec StartSpec) (*StartResult, error) {
	if spec.ConversationID != "" {
		existing, err := s.Get(ctx, spec.ConversationID, 0)
		if err == nil {
			if existing.Conversation.TokenID != spec.TokenID {
				return nil, errors.Errorf("conversation %s does not belong to this token", spec.ConversationID)
			}
			if existing.Conversation.Status != StatusActive {
				return nil, ErrConversationConcluded
			}
			return &StartResult{ID: existing.Conversation.ID, Resumed: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	id := "conv_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, contact_id, contact_name, token_id, direction, status, started_at, last_message_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, id, spec.ContactID, spec.ContactName, spec.TokenID, spec.Direction, StatusActive,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "failed to start conversation")
	}

	return &StartResult{ID: id, Resumed: false}, nil
}

// AppendMessage appends msg to conversationID, bumping message_count and
// last_message_at in the same transaction for message-count consistency
// (spec.md §8 "Message-count consistency").
func (s *Store) AppendMessage(ctx context.Context, conversationID string, direction Direction, role Role, content, metadata string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id := "msg_" + uuid.NewString()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, timestamp, direction, role, content, metadata, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, id, conversationID, now.Format(time.RFC3339Nano), direction, role, content, nullable(metadata))
	if err != nil {
		return "", errors.Wrap(err, "failed to append message")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, last_message_at = ? WHERE id = ?
	`, now.Format(time.RFC3339Nano), conversationID)
	if err != nil {
		return "", errors.Wrap(err, "failed to update conversation message count")
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit message append")
	}

	return id, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetResult bundles a conversation with its (optionally limited) messages.
type GetResult struct {
	Conversation Conversation
	Messages     []Message
}

// Get fetches a conversation and its messages. messageLimit=0 returns all messages.
func (s *Store) Get(ctx context.Context, conversationID string, messageLimit int) (*GetResult, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, timestamp, direction, role, content, metadata, compressed FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC`
	args := []interface{}{conversationID}
	if messageLimit > 0 {
		query = `SELECT * FROM (SELECT id, conversation_id, timestamp, direction, role, content, metadata, compressed FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT ?) ORDER BY timestamp ASC`
		args = append(args, messageLimit)
	}

	var msgRows []messageRow
	if err := s.db.SelectContext(ctx, &msgRows, query, args...); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(msgRows))
	for _, r := range msgRows {
		messages = append(messages, r.toMessage())
	}

	return &GetResult{Conversation: row.toConversation(), Messages: messages}, nil
}

// ListFilters narrows a List query.
type ListFilters struct {
	ContactID       string
	Status          Status
	Limit           int
	IncludeMessages bool
	MessageLimit    int
}

// List returns conversations matching filters, most recently active first.
func (s *Store) List(ctx context.Context, f ListFilters) ([]GetResult, error) {
	query := `SELECT * FROM conversations WHERE 1=1`
	var args []interface{}
	if f.ContactID != "" {
		query += ` AND contact_id = ?`
		args = append(args, f.ContactID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY last_message_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]GetResult, 0, len(rows))
	for _, row := range rows {
		conv := row.toConversation()
		result := GetResult{Conversation: conv}
		if f.IncludeMessages {
			full, err := s.Get(ctx, conv.ID, f.MessageLimit)
			if err != nil {
				return nil, err
			}
			result.Messages = full.Messages
		}
		out = append(out, result)
	}
	return out, nil
}

// SaveCollabState persists the JSON-encoded collaboration state for a conversation.
func (s *Store) SaveCollabState(ctx context.Context, conversationID, stateJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET collab_state = ? WHERE id = ?`, stateJSON, conversationID)
	return err
}

// ConcludeOptions parameterizes Conclude.
type ConcludeOptions struct {
	Summarizer   Summarizer
	OwnerContext string
}

// ConcludeResult is the outcome of Conclude.
type ConcludeResult struct {
	Summary        string
	AlreadyConcluded bool
}

// Conclude implements the idempotent conclusion protocol of spec.md §4.2:
// under the per-conversation guard, a non-active conversation is returned
// as-is; otherwise the supplied summarizer runs, its output (if any) is
// persisted, and status becomes the terminal state regardless of whether
// the summarizer succeeded. Callers that already hold the per-conversation
// guard (e.g. the inbound pipeline mid-turn) must use ConcludeLocked.
func (s *Store) Conclude(ctx context.Context, conversationID string, status Status, opts ConcludeOptions) (*ConcludeResult, error) {
	s.lock.Lock(conversationID)
	defer s.lock.Unlock(conversationID)
	return s.concludeLocked(ctx, conversationID, status, opts)
}

// ConcludeLocked runs the conclusion protocol assuming the caller already
// holds the per-conversation guard (via Store.Lock).
func (s *Store) ConcludeLocked(ctx context.Context, conversationID string, status Status, opts ConcludeOptions) (*ConcludeResult, error) {
	return s.concludeLocked(ctx, conversationID, status, opts)
}

func (s *Store) concludeLocked(ctx context.Context, conversationID string, status Status, opts ConcludeOptions) (*ConcludeResult, error) {
	result, err := s.Get(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	if result.Conversation.Status != StatusActive {
		return &ConcludeResult{Summary: result.Conversation.Summary, AlreadyConcluded: true}, nil
	}

	var summary Summary
	if opts.Summarizer != nil {
		s, err := opts.Summarizer(ctx, result.Messages, opts.OwnerContext)
		if err == nil {
			summary = s
		}
		// A failing or empty summarizer never blocks conclusion.
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET
			status = ?, ended_at = ?,
			summary = ?, owner_summary = ?, owner_relevance = ?,
			owner_goals_touched = ?, owner_action_items = ?, caller_action_items = ?,
			joint_action_items = ?, collaboration_opportunity = ?, follow_up = ?
		WHERE id = ?
	`, status, now.Format(time.RFC3339Nano),
		nullable(summary.Summary), nullable(summary.OwnerSummary), nullable(string(summary.OwnerRelevance)),
		nullable(summary.OwnerGoalsTouched), nullable(summary.OwnerActionItems), nullable(summary.CallerActionItems),
		nullable(summary.JointActionItems), nullable(summary.CollaborationOpportunity), nullable(summary.FollowUp),
		conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist conclusion")
	}

	return &ConcludeResult{Summary: summary.Summary}, nil
}

// ActiveIdleSince returns active conversations whose last_message_at is
// older than thresholdMs milliseconds ago — used by the Call Monitor (C5).
func (s *Store) ActiveIdleSince(ctx context.Context, thresholdMs int64) ([]Conversation, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdMs) * time.Millisecond)

	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM conversations WHERE status = ? AND last_message_at < ?
	`, StatusActive, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConversation())
	}
	return out, nil
}

// ActiveConversations returns all conversations currently active, for the
// Call Monitor's duration check (which needs started_at regardless of idleness).
func (s *Store) ActiveConversations(ctx context.Context) ([]Conversation, error) {
	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM conversations WHERE status = ?`, StatusActive); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConversation())
	}
	return out, nil
}

// CompressOlderThanResult is the outcome of CompressOlderThan.
type CompressOlderThanResult struct {
	Compressed int
	Total      int
}

// CompressOlderThan replaces message content with a short digest for
// messages older than `days`, grounded on the teacher's bulk
// UPDATE ... WHERE pattern (pkg/conversations/sqlite/store.go).
func (s *Store) CompressOlderThan(ctx context.Context, days int) (*CompressOlderThanResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages WHERE timestamp < ?`, cutoff.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	var ids []string
	var contents []string
	rows, err := s.db.QueryContext(ctx, `SELECT id, content FROM messages WHERE timestamp < ? AND compressed = 0`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		contents = append(contents, content)
	}
	rows.Close()

	compressed := 0
	for i, id := range ids {
		digest := digestOf(contents[i])
		if _, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ?, compressed = 1 WHERE id = ?`, digest, id); err != nil {
			return nil, err
		}
		compressed++
	}

	return &CompressOlderThanResult{Compressed: compressed, Total: total}, nil
}

func digestOf(content string) string {
	const maxLen = 80
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen]) + "…"
}

// Context returns a structured view of the last recentN messages for
// owner-notification and dashboards.
func (s *Store) Context(ctx context.Context, conversationID string, recentN int) (*GetResult, error) {
	return s.Get(ctx, conversationID, recentN)
}
