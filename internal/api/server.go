package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"studybar/internal/index"
	"studybar/internal/models"
	"studybar/internal/services"
	"studybar/internal/tutor"
)

const maxMultipartMemory = 8 << 20 // 8 MB

type Server struct {
	mux        *http.ServeMux
	sessions   *tutor.SessionStore
	students   *services.StudentService
	grader     *services.Grader
	flashcards *services.FlashcardService
	documents  *services.DocumentService
	ingestion  *services.IngestionService
	answers    *services.AnswerService
	index      *index.Store
}

func NewServer(
	sessions *tutor.SessionStore,
	students *services.StudentService,
	grader *services.Grader,
	flashcards *services.FlashcardService,
	documents *services.DocumentService,
	ingestion *services.IngestionService,
	answers *services.AnswerService,
	idx *index.Store,
) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		students:   students,
		grader:     grader,
		flashcards: flashcards,
		documents:  documents,
		ingestion:  ingestion,
		answers:    answers,
		index:      idx,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/tutor/chat", s.handleChat)
	s.mux.HandleFunc("/api/tutor/answer", s.handleSubmitAnswer)
	s.mux.HandleFunc("/api/tutor/", s.handleTutorActions)
	s.mux.HandleFunc("/api/users/", s.handleUserActions)
	s.mux.HandleFunc("/api/chapters", s.handleListChapters)
	s.mux.HandleFunc("/api/topics", s.handleListTopics)
	s.mux.HandleFunc("/api/errors", s.handleListErrors)
	s.mux.HandleFunc("/api/documents", s.handleUploadDocument)
	s.mux.HandleFunc("/api/flashcards/generate", s.handleGenerateFlashcards)
	s.mux.HandleFunc("/api/cards/next", s.handleGetNextCard)
	s.mux.HandleFunc("/api/cards/", s.handleCardActions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	StudentID string `json:"student_id"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.StudentID == "" || payload.Subject == "" || strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "student_id, subject, and message are required")
		return
	}

	session, _, err := s.sessions.Get(r.Context(), payload.StudentID, payload.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reply, err := session.HandlePrompt(r.Context(), payload.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// handleSubmitAnswer accepts an answer file upload (PDF or image) and
// remembers its extracted text for the next grading turn.
func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	studentID := r.FormValue("student_id")
	subject := r.FormValue("subject")
	if studentID == "" || subject == "" {
		writeError(w, http.StatusBadRequest, "student_id and subject are required")
		return
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}

	src, err := files[0].Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer src.Close()

	doc, err := s.documents.Create(r.Context(), files[0].Filename, subject, src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	text, err := s.answers.ExtractText(r.Context(), doc.StoredPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "no text could be extracted from the answer file")
		return
	}
	s.answers.Submit(studentID, subject, text)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"documentId": doc.ID,
		"characters": len(text),
	})
}

// handleTutorActions serves /api/tutor/{student}/{subject}/history.
func (s *Server) handleTutorActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tutor/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[2] != "history" {
		http.NotFound(w, r)
		return
	}

	session, state, err := s.sessions.Get(r.Context(), parts[0], parts[1])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "ok"
	if state == tutor.SessionNew {
		status = "empty"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"messages": session.History(),
	})
}

// handleUserActions serves /api/users/{student_id} and
// /api/users/{student_id}/progress.
func (s *Server) handleUserActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleGetUser(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "progress":
		switch r.Method {
		case http.MethodGet:
			s.handleGetProgress(w, r, parts[0])
		case http.MethodPost:
			s.handleSetProgress(w, r, parts[0])
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, studentID string) {
	profile, err := s.students.GetUser(r.Context(), studentID)
	if err != nil {
		if errors.Is(err, services.ErrStudentNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"status":  "error",
				"message": "User not found",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"user": map[string]any{
			"id":            profile.StudentID,
			"proficiencies": profile.Proficiencies,
			"last_activity": profile.LastActivity,
		},
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request, studentID string) {
	progress, err := s.students.Progress(r.Context(), studentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chapters": progress})
}

func (s *Server) handleSetProgress(w http.ResponseWriter, r *http.Request, studentID string) {
	var payload struct {
		Chapter  string  `json:"chapter"`
		Progress float64 `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Chapter == "" {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := s.students.SetProgress(r.Context(), studentID, payload.Chapter, payload.Progress); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	chapters, err := s.students.Chapters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chapters": chapters})
}

// handleListTopics reports the loaded content buckets and their sizes.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	snap := s.index.Snapshot()
	out := make([]map[string]any, 0)
	for _, topic := range snap.Topics() {
		out = append(out, map[string]any{"topic": topic, "chunks": snap.Size(topic)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	topic := r.URL.Query().Get("topic")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := s.grader.RecentErrors(r.Context(), topic, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"date":              entry.Timestamp.Format(timeLayout),
			"topic":             entry.Topic,
			"question":          entry.Question,
			"answer":            entry.Answer,
			"score":             entry.Score,
			"feedback":          entry.Feedback,
			"guiding_questions": entry.GuidingQuestions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "errors": out})
}

// handleUploadDocument ingests a study PDF into a topic's content
// bucket and rebuilds the retrieval index.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	doc, topic, ok := s.acceptUpload(w, r)
	if !ok {
		return
	}

	chunks, err := s.ingestion.ProcessStudyDocument(r.Context(), doc, topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"documentId": doc.ID,
		"topic":      topic,
		"chunks":     chunks,
	})
}

func (s *Server) handleGenerateFlashcards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	doc, topic, ok := s.acceptUpload(w, r)
	if !ok {
		return
	}

	cards, err := s.ingestion.ProcessFlashcardDocument(r.Context(), doc, topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		out = append(out, map[string]any{
			"front": card.Front,
			"back":  card.Back,
			"topic": card.Topic,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "flashcards": out})
}

// acceptUpload validates a multipart upload with a topic field and a
// single file, stores the file, and returns the document record.
func (s *Server) acceptUpload(w http.ResponseWriter, r *http.Request) (*models.Document, string, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, "", false
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	topic := r.FormValue("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return nil, "", false
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return nil, "", false
	}
	if !strings.EqualFold(filepath.Ext(files[0].Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "only PDF files are supported")
		return nil, "", false
	}

	src, err := files[0].Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	defer src.Close()

	doc, err := s.documents.Create(r.Context(), files[0].Filename, topic, src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, "", false
	}
	return doc, topic, true
}

func (s *Server) handleGetNextCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	card, err := s.flashcards.NextCard(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrNoDueCards) {
			writeJSON(w, http.StatusOK, map[string]any{
				"card":    nil,
				"message": "No cards due. Come back later!",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"card": map[string]any{
			"id":        card.ID,
			"front":     card.Front,
			"back":      card.Back,
			"topic":     card.Topic,
			"due":       nullTimeToString(card.Due),
			"state":     card.State,
			"stability": card.Stability,
		},
	})
}

type reviewRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleCardActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/cards/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "review" {
		http.NotFound(w, r)
		return
	}

	cardID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid card id")
		return
	}

	var payload reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rating, err := parseRating(payload.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	card, logEntry, err := s.flashcards.ReviewCard(r.Context(), cardID, rating)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"card": map[string]any{
			"id":    card.ID,
			"due":   nullTimeToString(card.Due),
			"state": card.State,
		},
		"log": map[string]any{
			"rating":  logEntry.Rating,
			"due_in":  logEntry.ScheduledDays,
			"updated": logEntry.ReviewedAt.Format(timeLayout),
		},
	})
}

const timeLayout = time.RFC3339

func parseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.Format(timeLayout)
		return &str
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
