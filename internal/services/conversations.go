package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"studybar/internal/models"
)

// ConversationService persists full conversation records per
// (student, subject) pair. Records are always written whole; there is
// no incremental append, which keeps a crashed write from corrupting
// previously committed turns.
type ConversationService struct {
	db *sql.DB
}

func NewConversationService(db *sql.DB) *ConversationService {
	return &ConversationService{db: db}
}

// Load returns the stored turns and whether a record existed.
func (s *ConversationService) Load(ctx context.Context, studentID, subject string) ([]models.Turn, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT messages FROM conversations WHERE student_id = ? AND subject = ?;
	`, studentID, subject)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load conversation %s/%s: %w", studentID, subject, err)
	}

	var turns []models.Turn
	if err := json.Unmarshal([]byte(data), &turns); err != nil {
		return nil, false, fmt.Errorf("decode conversation %s/%s: %w", studentID, subject, err)
	}
	return turns, true, nil
}

// Save overwrites the full record for the pair.
func (s *ConversationService) Save(ctx context.Context, studentID, subject string, turns []models.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation %s/%s: %w", studentID, subject, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations (student_id, subject, messages, updated_at)
		VALUES (?, ?, ?, ?);
	`, studentID, subject, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("save conversation %s/%s: %w", studentID, subject, err)
	}
	return nil
}
