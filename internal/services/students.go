package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"studybar/internal/models"
)

var (
	// ErrStudentNotFound indicates a lookup for a student that has no
	// stored profile.
	ErrStudentNotFound = errors.New("student not found")
)

// StudentService owns StudentProfile persistence. Profiles are written
// as whole records (single upsert per update); writes for the same
// student are serialized through a per-student lock so concurrent
// sessions cannot lose updates.
type StudentService struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStudentService(db *sql.DB) *StudentService {
	return &StudentService{db: db, locks: make(map[string]*sync.Mutex)}
}

func (s *StudentService) studentLock(studentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[studentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[studentID] = lock
	}
	return lock
}

// GetUser loads a student's profile, or ErrStudentNotFound when the
// student has never been seen.
func (s *StudentService) GetUser(ctx context.Context, studentID string) (*models.StudentProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM students WHERE id = ?;`, studentID)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("load student %s: %w", studentID, err)
	}

	profile := models.NewStudentProfile(studentID)
	if err := json.Unmarshal([]byte(data), profile); err != nil {
		return nil, fmt.Errorf("decode student %s: %w", studentID, err)
	}
	if profile.Proficiencies == nil {
		profile.Proficiencies = map[string]float64{}
	}
	return profile, nil
}

// getOrCreate returns the stored profile, lazily creating an empty one
// on first reference.
func (s *StudentService) getOrCreate(ctx context.Context, studentID string) (*models.StudentProfile, error) {
	profile, err := s.GetUser(ctx, studentID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrStudentNotFound) {
		return nil, err
	}

	profile = models.NewStudentProfile(studentID)
	if err := s.save(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// GetLevel returns the student's mastery for a topic, 0.0 when unknown.
// Legacy values stored on a 0-100 scale are normalized by dividing by
// 100 when the stored value exceeds 1.
func (s *StudentService) GetLevel(ctx context.Context, studentID, topic string) (float64, error) {
	profile, err := s.getOrCreate(ctx, studentID)
	if err != nil {
		return 0, err
	}
	level := profile.Proficiencies[topic]
	if level > 1 {
		level /= 100
	}
	return level, nil
}

// UpdateLevel writes an already-clamped mastery level, stamps the topic
// as the student's last activity, and persists the whole record.
func (s *StudentService) UpdateLevel(ctx context.Context, studentID, topic string, newLevel float64) error {
	lock := s.studentLock(studentID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := s.getOrCreate(ctx, studentID)
	if err != nil {
		return err
	}

	profile.Proficiencies[topic] = newLevel
	profile.LastActivity = topic
	profile.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, profile); err != nil {
		return err
	}

	// Mirror into the progress table on the 0-100 scale the frontend
	// displays.
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO progress (student_id, chapter_key, progress)
		VALUES (?, ?, ?);
	`, studentID, topic, newLevel*100); err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// LastActivity reports the student's most recently active topic, empty
// when none is recorded.
func (s *StudentService) LastActivity(ctx context.Context, studentID string) (string, error) {
	profile, err := s.getOrCreate(ctx, studentID)
	if err != nil {
		return "", err
	}
	return profile.LastActivity, nil
}

func (s *StudentService) save(ctx context.Context, profile *models.StudentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode student %s: %w", profile.StudentID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO students (id, data) VALUES (?, ?);
	`, profile.StudentID, string(data)); err != nil {
		return fmt.Errorf("upsert student %s: %w", profile.StudentID, err)
	}
	return nil
}

// Chapters lists every known chapter.
func (s *StudentService) Chapters(ctx context.Context) ([]models.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, title FROM chapters ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []models.Chapter
	for rows.Next() {
		var ch models.Chapter
		if err := rows.Scan(&ch.Key, &ch.Title); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return chapters, nil
}

// Progress merges chapter titles with the student's progress rows;
// chapters the student has not touched report 0.
func (s *StudentService) Progress(ctx context.Context, studentID string) ([]models.ChapterProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.key, c.title, IFNULL(p.progress, 0)
		FROM chapters c
		LEFT JOIN progress p ON c.key = p.chapter_key AND p.student_id = ?
		ORDER BY c.key;
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []models.ChapterProgress
	for rows.Next() {
		var cp models.ChapterProgress
		if err := rows.Scan(&cp.Key, &cp.Title, &cp.Progress); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

// SetProgress writes one chapter's progress directly (0-100 scale) and
// keeps the stored profile in sync on the [0,1] scale.
func (s *StudentService) SetProgress(ctx context.Context, studentID, chapterKey string, progress float64) error {
	return s.UpdateLevel(ctx, studentID, chapterKey, clampUnit(progress/100))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
