package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phrases that end the active conversation when they arrive as user
// content.
var terminationPhrases = []string{
	"goodbye", "bye", "exit", "quit", "end conversation",
}

// IsTerminationPhrase reports whether the trimmed, lowercased text is a
// user phrase that closes the conversation.
func IsTerminationPhrase(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, p := range terminationPhrases {
		if normalized == p {
			return true
		}
	}
	return false
}

// StartSession opens a new session for the agent and closes any
// conversations still open from prior sessions of that agent.
func (s *Store) StartSession(ctx context.Context, agentID string, metadata map[string]any) (int64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("session requires agent_id")
	}
	meta, err := jsonOrNil(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal session metadata: %w", err)
	}

	now := time.Now().UTC()
	var id int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := getOrCreateAgent(ctx, tx, agentID, now); err != nil {
			return err
		}
		// A new session closes conversations left open by earlier ones.
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET end_time = ?
			WHERE end_time IS NULL AND session_id IN (
				SELECT id FROM sessions WHERE agent_id = ?)`,
			now, agentID); err != nil {
			return fmt.Errorf("close stale conversations: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (agent_id, start_time, metadata)
			VALUES (?, ?, ?)`, agentID, now, meta)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// EndSession stamps end_time on the session and closes its open
// conversations.
func (s *Store) EndSession(ctx context.Context, sessionID int64) error {
	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET end_time = ?
			WHERE session_id = ? AND end_time IS NULL`, now, sessionID); err != nil {
			return fmt.Errorf("close session conversations: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`,
			now, sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %d not found or already ended", sessionID)
		}
		return nil
	})
}

// OpenConversation starts a dialogue unit within the session.
func (s *Store) OpenConversation(ctx context.Context, sessionID int64, metadata map[string]any) (int64, error) {
	meta, err := jsonOrNil(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal conversation metadata: %w", err)
	}
	var id int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (session_id, start_time, metadata)
			VALUES (?, ?, ?)`, sessionID, time.Now().UTC(), meta)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CloseConversation stamps end_time; closing an already-closed
// conversation is a no-op.
func (s *Store) CloseConversation(ctx context.Context, conversationID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE conversations SET end_time = ?
			WHERE id = ? AND end_time IS NULL`,
			time.Now().UTC(), conversationID)
		if err != nil {
			return fmt.Errorf("close conversation: %w", err)
		}
		return nil
	})
}

// ActiveConversation returns the open conversation for the session, or
// 0 when none is open.
func (s *Store) ActiveConversation(ctx context.Context, sessionID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations
		WHERE session_id = ? AND end_time IS NULL
		ORDER BY start_time DESC LIMIT 1`, sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SessionInfo is a sessions row.
type SessionInfo struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*SessionInfo, error) {
	var (
		info SessionInfo
		meta sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, start_time, end_time, metadata
		FROM sessions WHERE id = ?`, id).
		Scan(&info.ID, &info.AgentID, &info.StartTime, &info.EndTime, &meta)
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &info.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &info, nil
}
