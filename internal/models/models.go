package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// StudentProfile is the durable per-student record of topic mastery.
// Mastery levels are normalized to [0,1]; a topic absent from the map
// means mastery 0.
type StudentProfile struct {
	StudentID     string             `json:"-"`
	Proficiencies map[string]float64 `json:"proficiencies"`
	LastActivity  string             `json:"last_activity,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at,omitempty"`
}

// NewStudentProfile returns an empty profile for a student seen for the
// first time.
func NewStudentProfile(studentID string) *StudentProfile {
	return &StudentProfile{
		StudentID:     studentID,
		Proficiencies: map[string]float64{},
	}
}

// Turn is one message in a tutoring conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Problem is one generated practice question.
type Problem struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Concepts []string `json:"concepts"`
}

// Assessment is the grading result for one free-text student answer.
type Assessment struct {
	Score            float64  `json:"score"`
	Feedback         string   `json:"feedback"`
	GuidingQuestions []string `json:"guiding_questions,omitempty"`
}

// ErrorLogEntry records a below-threshold grading outcome for later
// review. Written once, never mutated.
type ErrorLogEntry struct {
	ID               int64     `json:"-"`
	Timestamp        time.Time `json:"timestamp"`
	Topic            string    `json:"topic"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	Score            float64   `json:"score"`
	Feedback         string    `json:"feedback"`
	GuidingQuestions []string  `json:"guiding_questions"`
}

// Chapter is a named topic bucket exposed to the frontend.
type Chapter struct {
	Key   string `json:"key"`
	Title string `json:"title"`
}

// ChapterProgress merges a chapter with one student's progress on it,
// on the 0-100 scale the frontend displays.
type ChapterProgress struct {
	Key      string  `json:"key"`
	Title    string  `json:"title"`
	Progress float64 `json:"progress"`
}

type Document struct {
	ID           int64
	OriginalName string
	StoredPath   string
	Topic        string
	PageCount    int
	UploadedAt   time.Time
}

// Card is a spaced-repetition flashcard with FSRS scheduling state.
type Card struct {
	ID               int64
	SourceDocumentID sql.NullInt64
	Topic            string
	Front            string
	Back             string
	Due              sql.NullTime
	Stability        float64
	Difficulty       float64
	ElapsedDays      int
	ScheduledDays    int
	Reps             int
	Lapses           int
	State            int
	LastReview       sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c *Card) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *Card) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}

// ReviewLog records one flashcard review.
type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

func max[T ~int | ~int32 | ~int64](a, b T) T {
	if a > b {
		return a
	}
	return b
}
