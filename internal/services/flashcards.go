package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"studybar/internal/index"
	"studybar/internal/llm"
	"studybar/internal/models"
)

var (
	// ErrNoDueCards indicates that there are no cards ready to review.
	ErrNoDueCards = errors.New("no due cards")
)

// FlashcardService turns document chunks into flashcards via the LLM
// collaborator and schedules reviews with FSRS.
type FlashcardService struct {
	db     *sql.DB
	llm    llm.Completer
	params fsrs.Parameters
}

func NewFlashcardService(db *sql.DB, client llm.Completer) *FlashcardService {
	return &FlashcardService{db: db, llm: client, params: fsrs.DefaultParam()}
}

type cardPrototype struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type cardExtraction struct {
	Cards []cardPrototype `json:"cards"`
	Notes string          `json:"notes"`
}

const flashcardPrompt = `You are an expert educator who designs spaced repetition flashcards.
From the following study material on the topic "%s", extract the key
definitions, facts, and concepts as flashcards.

Respond with JSON {"cards":[{"front":"","back":""}], "notes":""}.
Ensure flashcards are atomic, unambiguous, and use active recall.

Material:
%s`

// GenerateFromChunks asks the model to distill chunks into flashcards
// and persists them with FSRS defaults under the source document.
func (s *FlashcardService) GenerateFromChunks(ctx context.Context, doc *models.Document, topic string, chunks []index.Chunk) ([]models.Card, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	var builder strings.Builder
	for i, c := range chunks {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(truncateContext(strings.TrimSpace(c.Text)))
	}

	prompt := fmt.Sprintf(flashcardPrompt, topic, builder.String())
	raw, err := s.llm.Complete(ctx, []models.Turn{{Role: models.RoleUser, Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("request flashcards: %w", err)
	}

	var extraction cardExtraction
	if !llm.UnmarshalObject(raw, &extraction) || len(extraction.Cards) == 0 {
		return nil, fmt.Errorf("no flashcards extracted from model output")
	}

	cards := make([]models.Card, 0, len(extraction.Cards))
	for _, proto := range extraction.Cards {
		if strings.TrimSpace(proto.Front) == "" || strings.TrimSpace(proto.Back) == "" {
			continue
		}
		cards = append(cards, models.Card{
			Topic: topic,
			Front: proto.Front,
			Back:  proto.Back,
		})
	}

	docID := sql.NullInt64{}
	if doc != nil {
		docID = sql.NullInt64{Int64: doc.ID, Valid: true}
	}
	if err := s.bulkInsert(ctx, docID, cards); err != nil {
		return nil, err
	}
	return cards, nil
}

func (s *FlashcardService) bulkInsert(ctx context.Context, documentID sql.NullInt64, cards []models.Card) error {
	if len(cards) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cards (source_document_id, topic, front, back, due, stability, difficulty, elapsed_days,
		                   scheduled_days, reps, lapses, state, last_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return fmt.Errorf("prepare card insert: %w", err)
	}
	defer stmt.Close()

	for i := range cards {
		card := &cards[i]
		card.SourceDocumentID = documentID
		card.CreatedAt = now
		card.UpdatedAt = now
		if !card.Due.Valid {
			card.Due = sql.NullTime{Time: now, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx,
			nullInt64Ptr(documentID),
			card.Topic,
			card.Front,
			card.Back,
			nullTimePtr(card.Due),
			card.Stability,
			card.Difficulty,
			card.ElapsedDays,
			card.ScheduledDays,
			card.Reps,
			card.Lapses,
			card.State,
			nullTimePtr(card.LastReview),
			card.CreatedAt,
			card.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert card %q: %w", card.Front, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

// NextCard returns the next due card, falling back to the oldest
// unseen card when nothing is due.
func (s *FlashcardService) NextCard(ctx context.Context) (*models.Card, error) {
	now := time.Now().UTC()

	card, err := s.fetchCard(ctx, `
		SELECT id, source_document_id, topic, front, back, due, stability, difficulty,
		       elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at
		FROM cards
		WHERE due IS NOT NULL AND due <= ?
		ORDER BY due ASC
		LIMIT 1;
	`, now)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	card, err = s.fetchCard(ctx, `
		SELECT id, source_document_id, topic, front, back, due, stability, difficulty,
		       elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at
		FROM cards
		ORDER BY due IS NULL DESC, created_at ASC
		LIMIT 1;
	`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDueCards
		}
		return nil, err
	}
	return card, nil
}

func (s *FlashcardService) fetchCard(ctx context.Context, query string, args ...any) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	card := &models.Card{}
	if err := row.Scan(
		&card.ID,
		&card.SourceDocumentID,
		&card.Topic,
		&card.Front,
		&card.Back,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return card, nil
}

// ReviewCard updates the scheduling information based on the user's rating.
func (s *FlashcardService) ReviewCard(ctx context.Context, cardID int64, rating fsrs.Rating) (*models.Card, *models.ReviewLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card := &models.Card{}
	row := tx.QueryRowContext(ctx, `
		SELECT id, source_document_id, topic, front, back, due, stability, difficulty,
		       elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at
		FROM cards
		WHERE id = ?;
	`, cardID)
	if err = row.Scan(
		&card.ID,
		&card.SourceDocumentID,
		&card.Topic,
		&card.Front,
		&card.Back,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("load card %d: %w", cardID, err)
	}

	now := time.Now().UTC()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return nil, nil, fmt.Errorf("rating %d not supported", rating)
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if _, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		return nil, nil, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, card.ID, info.ReviewLog.Rating, info.ReviewLog.ScheduledDays, info.ReviewLog.ElapsedDays, info.ReviewLog.State, now); err != nil {
		return nil, nil, fmt.Errorf("insert review log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}

	log := &models.ReviewLog{
		CardID:        card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}

	return card, log, nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}

func nullInt64Ptr(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}
