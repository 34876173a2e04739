package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"studybar/internal/llm"
	"studybar/internal/models"
)

// errorThreshold: assessments scoring below this are logged for review.
const errorThreshold = 0.7

// Grader scores free-text student answers against reference material.
// Below-threshold results are appended to a per-day JSONL log and to
// the error_logs table so systematic weak points can be reviewed later.
type Grader struct {
	llm    llm.Completer
	db     *sql.DB
	logDir string
}

func NewGrader(client llm.Completer, db *sql.DB, logDir string) *Grader {
	return &Grader{llm: client, db: db, logDir: logDir}
}

const markingPrompt = `You are a professional tutor assessing a student's written answer.
Question: %s
Reference Material: %s
Student Answer: %s

1. Rate correctness on a scale of 0.0 to 1.0.
2. If incorrect or incomplete, provide concise guiding questions that
   nudge the student to recall the correct idea without directly giving
   the answer.
3. Return JSON like:
{"score": 0.0, "feedback": "", "guiding_questions": []}`

// Mark assesses one answer. Malformed model output never fails the
// call: it degrades to {score 0, feedback = raw text}. Only a transport
// failure returns an error.
func (g *Grader) Mark(ctx context.Context, studentAnswer, questionText, referenceContext, topic string) (models.Assessment, error) {
	prompt := fmt.Sprintf(markingPrompt, questionText, referenceContext, studentAnswer)
	raw, err := g.llm.Complete(ctx, []models.Turn{{Role: models.RoleUser, Content: prompt}})
	if err != nil {
		return models.Assessment{}, fmt.Errorf("request assessment: %w", err)
	}

	var result models.Assessment
	if !llm.UnmarshalObject(raw, &result) {
		result = models.Assessment{Score: 0.0, Feedback: raw, GuidingQuestions: []string{}}
	}

	if result.Score < errorThreshold {
		g.logError(ctx, questionText, studentAnswer, topic, result)
	}

	return result, nil
}

// logError appends to the daily JSONL file and the durable table. Log
// failures are reported to stderr but never fail the grading call.
func (g *Grader) logError(ctx context.Context, question, answer, topic string, result models.Assessment) {
	if topic == "" {
		topic = "unknown"
	}
	entry := models.ErrorLogEntry{
		Timestamp:        time.Now().UTC(),
		Topic:            topic,
		Question:         question,
		Answer:           answer,
		Score:            result.Score,
		Feedback:         result.Feedback,
		GuidingQuestions: result.GuidingQuestions,
	}
	if entry.GuidingQuestions == nil {
		entry.GuidingQuestions = []string{}
	}

	if err := g.appendDaily(entry); err != nil {
		fmt.Fprintf(os.Stderr, "append error log: %v\n", err)
	}

	questions, _ := json.Marshal(entry.GuidingQuestions)
	if _, err := g.db.ExecContext(ctx, `
		INSERT INTO error_logs (timestamp, topic, question, answer, score, feedback, guiding_questions)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, entry.Timestamp, entry.Topic, entry.Question, entry.Answer, entry.Score, entry.Feedback, string(questions)); err != nil {
		fmt.Fprintf(os.Stderr, "insert error log: %v\n", err)
	}
}

func (g *Grader) appendDaily(entry models.ErrorLogEntry) error {
	if g.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(g.logDir, 0o755); err != nil {
		return fmt.Errorf("ensure log dir: %w", err)
	}

	path := filepath.Join(g.logDir, fmt.Sprintf("errors_%s.jsonl", entry.Timestamp.Format("20060102")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

// RecentErrors returns stored log rows newest first, optionally
// filtered by topic and bounded by limit.
func (g *Grader) RecentErrors(ctx context.Context, topic string, limit int) ([]models.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, topic, question, answer, score, feedback, guiding_questions
		FROM error_logs`
	args := []any{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	var entries []models.ErrorLogEntry
	for rows.Next() {
		var entry models.ErrorLogEntry
		var questions string
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Topic,
			&entry.Question,
			&entry.Answer,
			&entry.Score,
			&entry.Feedback,
			&questions,
		); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		if err := json.Unmarshal([]byte(questions), &entry.GuidingQuestions); err != nil {
			entry.GuidingQuestions = []string{}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error logs: %w", err)
	}
	return entries, nil
}
