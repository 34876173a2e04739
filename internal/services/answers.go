package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"studybar/internal/llm"
)

// AnswerService extracts text from submitted answer files and keeps
// the most recent extraction per (student, subject) so a later
// "grade my answer" turn can find it. Unsupported file types yield an
// empty result rather than an error.
type AnswerService struct {
	extractor *Extractor
	llm       *llm.Client

	mu     sync.Mutex
	latest map[string]string
}

func NewAnswerService(extractor *Extractor, client *llm.Client) *AnswerService {
	return &AnswerService{
		extractor: extractor,
		llm:       client,
		latest:    make(map[string]string),
	}
}

const transcribePrompt = `Transcribe the student's written answer in this image as plain text.
Preserve equations and working steps. Return only the transcription.`

// ExtractText reads the answer text out of a PDF or image file.
func (s *AnswerService) ExtractText(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		chunks, _, err := s.extractor.ExtractChunks(path)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(chunks))
		for _, c := range chunks {
			parts = append(parts, c.Text)
		}
		return strings.Join(parts, "\n"), nil
	case ".png", ".jpg", ".jpeg":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read answer image: %w", err)
		}
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
		text, err := s.llm.TranscribeImage(ctx, uri, transcribePrompt)
		if err != nil {
			return "", fmt.Errorf("transcribe answer image: %w", err)
		}
		return strings.TrimSpace(text), nil
	default:
		return "", nil
	}
}

// Submit records an extracted answer for the pair.
func (s *AnswerService) Submit(studentID, subject, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[answerKey(studentID, subject)] = text
}

// Latest returns the most recently submitted answer text for the pair.
func (s *AnswerService) Latest(studentID, subject string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.latest[answerKey(studentID, subject)]
	return text, ok
}

func answerKey(studentID, subject string) string {
	return studentID + "/" + subject
}
