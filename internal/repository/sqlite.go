package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			space_id TEXT,
			title TEXT NOT NULL,
			auto_progress INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			speaker_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			muted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, speaker_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS swipes (
			swipe_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (message_id) REFERENCES messages(message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swipes_message ON swipes(message_id, position)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			round_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			current_position INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_conversation ON rounds(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS round_participants (
			round_id TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			PRIMARY KEY (round_id, position),
			FOREIGN KEY (round_id) REFERENCES rounds(round_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			round_id TEXT,
			speaker_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			run_after DATETIME,
			started_at DATETIME,
			heartbeat_at DATETIME,
			message_id TEXT,
			debug TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_due ON runs(status, run_after)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_round ON runs(round_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_events (
			event_id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			reason TEXT,
			payload TEXT,
			occurred_at DATETIME NOT NULL,
			conversation_id TEXT NOT NULL,
			space_id TEXT,
			round_id TEXT,
			run_id TEXT,
			trigger_message_id TEXT,
			speaker_id TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_conversation ON conversation_events(conversation_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name ON conversation_events(conversation_id, event_name)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conversation *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, space_id, title, auto_progress, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversation.ConversationID, nullString(conversation.SpaceID), conversation.Title, conversation.AutoProgress, conversation.CreatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var spaceID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, space_id, title, auto_progress, created_at FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &spaceID, &conv.Title, &conv.AutoProgress, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if spaceID.Valid {
		conv.SpaceID = spaceID.String
	}
	return &conv, nil
}

// CreateParticipant registers a speaker in a conversation.
func (s *SQLiteStore) CreateParticipant(ctx context.Context, participant *domain.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (speaker_id, conversation_id, name, kind, active, muted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		participant.SpeakerID, participant.ConversationID, participant.Name, participant.Kind, participant.Active, participant.Muted, participant.CreatedAt)
	return err
}

// GetParticipant retrieves a participant by conversation and speaker ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, conversationID, speakerID string) (*domain.Participant, error) {
	var p domain.Participant
	err := s.db.QueryRowContext(ctx,
		`SELECT speaker_id, conversation_id, name, kind, active, muted, created_at FROM participants WHERE conversation_id = ? AND speaker_id = ?`,
		conversationID, speakerID).Scan(&p.SpeakerID, &p.ConversationID, &p.Name, &p.Kind, &p.Active, &p.Muted, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListParticipants lists the participants of a conversation in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker_id, conversation_id, name, kind, active, muted, created_at FROM participants WHERE conversation_id = ? ORDER BY created_at`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.SpeakerID, &p.ConversationID, &p.Name, &p.Kind, &p.Active, &p.Muted, &p.CreatedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// SetParticipantMuted updates a participant's muted flag.
func (s *SQLiteStore) SetParticipantMuted(ctx context.Context, conversationID, speakerID string, muted bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET muted = ? WHERE conversation_id = ? AND speaker_id = ?`,
		muted, conversationID, speakerID)
	return err
}

// SetParticipantActive updates a participant's active flag.
func (s *SQLiteStore) SetParticipantActive(ctx context.Context, conversationID, speakerID string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET active = ? WHERE conversation_id = ? AND speaker_id = ?`,
		active, conversationID, speakerID)
	return err
}

// CreateMessage persists a message and its first swipe in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, speaker_id, run_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		message.MessageID, message.ConversationID, message.SpeakerID, nullString(message.RunID), message.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO swipes (swipe_id, message_id, position, content, active, created_at) VALUES (?, ?, 0, ?, 1, ?)`,
		message.MessageID+"_s0", message.MessageID, content, message.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage retrieves a message with its swipes.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	var runID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, conversation_id, speaker_id, run_id, created_at FROM messages WHERE message_id = ?`,
		messageID).Scan(&msg.MessageID, &msg.ConversationID, &msg.SpeakerID, &runID, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		msg.RunID = runID.String
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT swipe_id, message_id, position, content, active, created_at FROM swipes WHERE message_id = ? ORDER BY position`,
		messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sw domain.Swipe
		if err := rows.Scan(&sw.SwipeID, &sw.MessageID, &sw.Position, &sw.Content, &sw.Active, &sw.CreatedAt); err != nil {
			return nil, err
		}
		msg.Swipes = append(msg.Swipes, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages oldest-first, each with its
// active swipe as the only element of Swipes.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT m.message_id, m.conversation_id, m.speaker_id, m.run_id, m.created_at,
		sw.swipe_id, sw.position, sw.content, sw.created_at
		FROM messages m
		JOIN swipes sw ON sw.message_id = m.message_id AND sw.active = 1
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var sw domain.Swipe
		var runID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.SpeakerID, &runID, &msg.CreatedAt,
			&sw.SwipeID, &sw.Position, &sw.Content, &sw.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			msg.RunID = runID.String
		}
		sw.MessageID = msg.MessageID
		sw.Active = true
		msg.Swipes = []domain.Swipe{sw}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// LatestMessageID returns the most recent message id in a conversation, or
// empty when there are none.
func (s *SQLiteStore) LatestMessageID(ctx context.Context, conversationID string) (string, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		conversationID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// CountMessages counts the messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	return count, err
}

// AppendSwipe adds a new swipe to a message and activates it, deactivating the
// previous active swipe in the same transaction.
func (s *SQLiteStore) AppendSwipe(ctx context.Context, messageID, swipeID, content string) (*domain.Swipe, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var position int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM swipes WHERE message_id = ?`, messageID).Scan(&position); err != nil {
		return nil, err
	}
	if position == 0 {
		return nil, fmt.Errorf("message %s not found or has no swipes", messageID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE swipes SET active = 0 WHERE message_id = ?`, messageID); err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO swipes (swipe_id, message_id, position, content, active, created_at) VALUES (?, ?, ?, ?, 1, ?)`,
		swipeID, messageID, position, content, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.Swipe{
		SwipeID:   swipeID,
		MessageID: messageID,
		Position:  position,
		Content:   content,
		Active:    true,
		CreatedAt: now,
	}, nil
}

// CreateRound persists a round together with its ordered participant entries.
func (s *SQLiteStore) CreateRound(ctx context.Context, round *domain.Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rounds (round_id, conversation_id, status, paused, current_position, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		round.RoundID, round.ConversationID, round.Status, round.Paused, round.CurrentPosition, round.CreatedAt); err != nil {
		return err
	}
	for _, entry := range round.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO round_participants (round_id, speaker_id, position, status) VALUES (?, ?, ?, ?)`,
			round.RoundID, entry.SpeakerID, entry.Position, entry.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRound retrieves a round with its participant entries.
func (s *SQLiteStore) GetRound(ctx context.Context, roundID string) (*domain.Round, error) {
	var round domain.Round
	err := s.db.QueryRowContext(ctx,
		`SELECT round_id, conversation_id, status, paused, current_position, created_at FROM rounds WHERE round_id = ?`,
		roundID).Scan(&round.RoundID, &round.ConversationID, &round.Status, &round.Paused, &round.CurrentPosition, &round.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRoundParticipants(ctx, &round); err != nil {
		return nil, err
	}
	return &round, nil
}

// GetActiveRound retrieves the most recent ACTIVE round of a conversation.
func (s *SQLiteStore) GetActiveRound(ctx context.Context, conversationID string) (*domain.Round, error) {
	var round domain.Round
	err := s.db.QueryRowContext(ctx,
		`SELECT round_id, conversation_id, status, paused, current_position, created_at FROM rounds
		 WHERE conversation_id = ? AND status = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		conversationID, domain.RoundStatusActive).Scan(&round.RoundID, &round.ConversationID, &round.Status, &round.Paused, &round.CurrentPosition, &round.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRoundParticipants(ctx, &round); err != nil {
		return nil, err
	}
	return &round, nil
}

func (s *SQLiteStore) loadRoundParticipants(ctx context.Context, round *domain.Round) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, speaker_id, position, status FROM round_participants WHERE round_id = ? ORDER BY position`,
		round.RoundID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var entry domain.RoundParticipant
		if err := rows.Scan(&entry.RoundID, &entry.SpeakerID, &entry.Position, &entry.Status); err != nil {
			return err
		}
		round.Participants = append(round.Participants, entry)
	}
	return rows.Err()
}

// UpdateRoundPosition moves the round cursor.
func (s *SQLiteStore) UpdateRoundPosition(ctx context.Context, roundID string, position int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET current_position = ? WHERE round_id = ?`, position, roundID)
	return err
}

// UpdateRoundParticipantStatus resolves one participant entry.
func (s *SQLiteStore) UpdateRoundParticipantStatus(ctx context.Context, roundID string, position int, status domain.TurnStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE round_participants SET status = ? WHERE round_id = ? AND position = ?`,
		status, roundID, position)
	return err
}

// CompleteRound transitions an ACTIVE round to a terminal status.
func (s *SQLiteStore) CompleteRound(ctx context.Context, roundID string, status domain.RoundStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET status = ? WHERE round_id = ? AND status = ?`,
		status, roundID, domain.RoundStatusActive)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetRoundPaused updates the round's paused flag.
func (s *SQLiteStore) SetRoundPaused(ctx context.Context, roundID string, paused bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET paused = ? WHERE round_id = ?`, paused, roundID)
	return err
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, conversation_id, round_id, speaker_id, kind, status, reason, run_after, message_id, debug, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ConversationID, nullString(run.RoundID), run.SpeakerID, run.Kind, run.Status,
		nullString(run.Reason), nullTime(run.RunAfter), nullString(run.MessageID),
		nullStringBytes(run.Debug), nullStringBytes(run.Error), run.CreatedAt)
	return err
}

const runColumns = `run_id, conversation_id, round_id, speaker_id, kind, status, reason, run_after, started_at, heartbeat_at, message_id, debug, error, created_at`

func scanRun(scanner interface{ Scan(...interface{}) error }) (*domain.Run, error) {
	var run domain.Run
	var roundID, reason, messageID, debug, errData sql.NullString
	var runAfter, startedAt, heartbeatAt sql.NullTime
	err := scanner.Scan(&run.RunID, &run.ConversationID, &roundID, &run.SpeakerID, &run.Kind, &run.Status,
		&reason, &runAfter, &startedAt, &heartbeatAt, &messageID, &debug, &errData, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if roundID.Valid {
		run.RoundID = roundID.String
	}
	if reason.Valid {
		run.Reason = reason.String
	}
	if runAfter.Valid {
		run.RunAfter = &runAfter.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if heartbeatAt.Valid {
		run.HeartbeatAt = &heartbeatAt.Time
	}
	if messageID.Valid {
		run.MessageID = messageID.String
	}
	if debug.Valid {
		run.Debug = []byte(debug.String)
	}
	if errData.Valid {
		run.Error = []byte(errData.String)
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ClaimRun performs the atomic QUEUED -> RUNNING transition. The conditional
// UPDATE is the compare-and-set that guarantees a single winner among
// concurrent claimers.
func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, heartbeat_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusRunning, now, now, runID, domain.RunStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteQueuedRun resolves a queued run as succeeded, recording the
// completing message. Used by the human-turn message path; the queued guard
// makes it lose cleanly against a concurrent timeout skip.
func (s *SQLiteStore) CompleteQueuedRun(ctx context.Context, runID, messageID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, message_id = ?, reason = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusSucceeded, messageID, reason, runID, domain.RunStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SkipQueuedRun resolves a queued run as skipped with a structured error.
func (s *SQLiteStore) SkipQueuedRun(ctx context.Context, runID string, errData []byte, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, reason = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusSkipped, nullStringBytes(errData), reason, runID, domain.RunStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinalizeRun transitions a RUNNING run into succeeded or failed. Calls
// against a run that is no longer RUNNING report false and change nothing.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, messageID string, errData []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, message_id = COALESCE(?, message_id), error = ? WHERE run_id = ? AND status = ?`,
		status, nullString(messageID), nullStringBytes(errData), runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListDueRuns returns queued executable runs whose dispatch time has passed.
// Runs with a NULL run_after (human turns) are never dispatched.
func (s *SQLiteStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	kinds := domain.ExecutableKinds()
	placeholders := make([]string, len(kinds))
	args := []interface{}{domain.RunStatusQueued, now}
	for i, kind := range kinds {
		placeholders[i] = "?"
		args = append(args, kind)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = ? AND run_after IS NOT NULL AND run_after <= ?
		   AND kind IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY run_after ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestRunForRound returns the most recently created run in a round.
func (s *SQLiteStore) LatestRunForRound(ctx context.Context, roundID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE round_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		roundID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListQueuedRunsForRound returns a round's runs still in the queued state,
// oldest first.
func (s *SQLiteStore) ListQueuedRunsForRound(ctx context.Context, roundID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE round_id = ? AND status = ?
		 ORDER BY created_at ASC, rowid ASC`,
		roundID, domain.RunStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// FindQueuedHumanTurn returns the oldest queued human_turn run in a
// conversation, ignoring turns whose round has already ended.
func (s *SQLiteStore) FindQueuedHumanTurn(ctx context.Context, conversationID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE conversation_id = ? AND kind = ? AND status = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM rounds r
		     WHERE r.round_id = runs.round_id AND r.status <> ?)
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		conversationID, domain.RunKindHumanTurn, domain.RunStatusQueued, domain.RoundStatusActive)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CreateEvent appends an event row. Events are immutable once written.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.ConversationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_events (event_id, event_name, reason, payload, occurred_at, conversation_id, space_id, round_id, run_id, trigger_message_id, speaker_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.EventName, nullString(event.Reason), nullStringBytes(event.Payload), event.OccurredAt,
		event.ConversationID, nullString(event.SpaceID), nullString(event.RoundID), nullString(event.RunID),
		nullString(event.TriggerMessageID), nullString(event.SpeakerID))
	return err
}

// QueryEvents returns events most-recent-first, ties broken by event id
// descending.
func (s *SQLiteStore) QueryEvents(ctx context.Context, filter EventFilter) ([]domain.ConversationEvent, error) {
	query := `SELECT event_id, event_name, reason, payload, occurred_at, conversation_id, space_id, round_id, run_id, trigger_message_id, speaker_id
		FROM conversation_events WHERE conversation_id = ?`
	args := []interface{}{filter.ConversationID}

	if filter.RoundID != "" {
		query += ` AND round_id = ?`
		args = append(args, filter.RoundID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.NamePrefix != "" {
		query += ` AND event_name LIKE ?`
		args = append(args, filter.NamePrefix+"%")
	}

	query += ` ORDER BY occurred_at DESC, event_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ConversationEvent
	for rows.Next() {
		var evt domain.ConversationEvent
		var reason, payload, spaceID, roundID, runID, triggerMessageID, speakerID sql.NullString
		if err := rows.Scan(&evt.EventID, &evt.EventName, &reason, &payload, &evt.OccurredAt,
			&evt.ConversationID, &spaceID, &roundID, &runID, &triggerMessageID, &speakerID); err != nil {
			return nil, err
		}
		if reason.Valid {
			evt.Reason = reason.String
		}
		if payload.Valid {
			evt.Payload = []byte(payload.String)
		}
		if spaceID.Valid {
			evt.SpaceID = spaceID.String
		}
		if roundID.Valid {
			evt.RoundID = roundID.String
		}
		if runID.Valid {
			evt.RunID = runID.String
		}
		if triggerMessageID.Valid {
			evt.TriggerMessageID = triggerMessageID.String
		}
		if speakerID.Valid {
			evt.SpeakerID = speakerID.String
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
