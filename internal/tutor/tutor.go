package tutor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"studybar/internal/index"
	"studybar/internal/llm"
	"studybar/internal/models"
	"studybar/internal/services"
)

// Intent labels for a single user turn.
const (
	intentGenerateQuestions = "generate_questions"
	intentGetFeedback       = "get_feedback"
	intentRAGQuery          = "rag_query"
	intentGeneralChat       = "general_chat"
)

const (
	problemsPerRequest = 3
	ragContextCount    = 6
	ragContextUsed     = 5

	fallbackReply = "Sorry - something went wrong talking to the tutor model. Please try again."
)

// SessionState tells callers whether a conversation was started fresh
// or resumed from a persisted record.
type SessionState int

const (
	SessionNew SessionState = iota
	SessionResumed
)

// Deps carries every collaborator a tutoring session dispatches to.
type Deps struct {
	LLM           llm.Completer
	Students      *services.StudentService
	Index         *index.Store
	Generator     *services.Generator
	Grader        *services.Grader
	Answers       *services.AnswerService
	Conversations *services.ConversationService
	Policy        ProficiencyPolicy
	DefaultTopic  string
}

// Tutor is the per-(student, subject) orchestrator. The session store
// hands the same instance to every request for the pair, so turn state
// is guarded by a mutex: concurrent turns serialize rather than
// interleave their history writes.
type Tutor struct {
	studentID string
	subject   string
	deps      Deps

	mu      sync.Mutex
	history []models.Turn

	// The most recent generated problem set anchors a later
	// "grade my answer" turn.
	lastProblems []models.Problem
	lastContexts []index.Chunk
}

// New loads or starts the conversation for the pair. The first turn of
// every record is the system persona turn.
func New(ctx context.Context, studentID, subject string, deps Deps) (*Tutor, SessionState, error) {
	t := &Tutor{studentID: studentID, subject: subject, deps: deps}

	turns, found, err := deps.Conversations.Load(ctx, studentID, subject)
	if err != nil {
		return nil, SessionNew, err
	}
	if found && len(turns) > 0 {
		t.history = turns
		return t, SessionResumed, nil
	}

	t.history = []models.Turn{{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("You are a %s tutor helping a student learn interactively.", subject),
	}}
	return t, SessionNew, nil
}

// History returns a copy of the conversation turns.
func (t *Tutor) History() []models.Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Turn, len(t.history))
	copy(out, t.history)
	return out
}

// HandlePrompt runs one tutoring turn: classify the message, dispatch,
// append both turns, and persist the whole record. The session lock is
// held for the whole turn, so concurrent requests for the same pair
// produce strictly ordered turns. Collaborator failures surface as
// textual replies, never as errors; only a persistence failure is
// returned, with the in-memory history rolled back to its last-good
// state.
func (t *Tutor) HandlePrompt(ctx context.Context, userPrompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	saved := len(t.history)
	t.history = append(t.history, models.Turn{Role: models.RoleUser, Content: userPrompt})

	var reply string
	switch t.classifyIntent(ctx, userPrompt) {
	case intentGenerateQuestions:
		reply = t.handleQuestionGeneration(ctx, userPrompt)
	case intentGetFeedback:
		reply = t.handleFeedback(ctx, userPrompt)
	case intentRAGQuery:
		reply = t.handleRAGQuery(ctx, userPrompt)
	default:
		reply = t.handleChat(ctx)
	}

	t.history = append(t.history, models.Turn{Role: models.RoleAssistant, Content: reply})
	if err := t.deps.Conversations.Save(ctx, t.studentID, t.subject, t.history); err != nil {
		t.history = t.history[:saved]
		return "", err
	}
	return reply, nil
}

// classifyIntent issues one fast model call and falls back to general
// chat on any failure; classification must never abort the turn.
func (t *Tutor) classifyIntent(ctx context.Context, userPrompt string) string {
	prompt := fmt.Sprintf(`Classify this student message into one of the intents:
["generate_questions", "get_feedback", "rag_query", "general_chat"].
Message: %q
Respond with just the label.`, userPrompt)

	raw, err := t.deps.LLM.CompleteFast(ctx, prompt)
	if err != nil {
		log.Printf("intent classification failed for %s/%s: %v", t.studentID, t.subject, err)
		return intentGeneralChat
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return intentGeneralChat
	}
	switch label := strings.Trim(fields[0], "\"'.,`"); label {
	case intentGenerateQuestions, intentGetFeedback, intentRAGQuery, intentGeneralChat:
		return label
	default:
		return intentGeneralChat
	}
}

// activeTopic is the student's last active topic, or the configured
// default when none is recorded yet.
func (t *Tutor) activeTopic(ctx context.Context) string {
	topic, err := t.deps.Students.LastActivity(ctx, t.studentID)
	if err != nil || topic == "" {
		return t.deps.DefaultTopic
	}
	return topic
}

func (t *Tutor) handleQuestionGeneration(ctx context.Context, userPrompt string) string {
	topic := t.activeTopic(ctx)
	level, err := t.deps.Students.GetLevel(ctx, t.studentID, topic)
	if err != nil {
		log.Printf("load level for %s: %v", t.studentID, err)
		return fallbackReply
	}

	set, err := t.deps.Generator.GenerateProblems(ctx, topic, problemsPerRequest, level, userPrompt)
	if err != nil {
		var unknown *index.UnknownTopicError
		if errors.As(err, &unknown) {
			return fmt.Sprintf("I don't have any study material for %q yet. Upload a document for that topic first.", unknown.Topic)
		}
		log.Printf("generate problems for %s/%s: %v", t.studentID, topic, err)
		return fallbackReply
	}

	t.lastProblems = set.Problems
	t.lastContexts = set.Contexts

	lines := make([]string, len(set.Problems))
	for i, p := range set.Problems {
		lines[i] = fmt.Sprintf("Q%d: %s", i+1, p.Question)
	}
	return strings.Join(lines, "\n\n")
}

func (t *Tutor) handleFeedback(ctx context.Context, userPrompt string) string {
	topic := t.activeTopic(ctx)

	// Prefer the most recent uploaded answer artifact; fall back to the
	// chat message itself so typed answers are gradeable too.
	answer, ok := t.deps.Answers.Latest(t.studentID, t.subject)
	if !ok || strings.TrimSpace(answer) == "" {
		answer = userPrompt
	}

	question := "previous question"
	if len(t.lastProblems) > 0 {
		question = t.lastProblems[len(t.lastProblems)-1].Question
	}
	reference := t.referenceContext()

	result, err := t.deps.Grader.Mark(ctx, answer, question, reference, topic)
	if err != nil {
		log.Printf("grade answer for %s/%s: %v", t.studentID, topic, err)
		return "Sorry - I couldn't grade that answer. Please try again."
	}

	oldLevel, err := t.deps.Students.GetLevel(ctx, t.studentID, topic)
	if err != nil {
		log.Printf("load level for %s: %v", t.studentID, err)
		return fallbackReply
	}
	newLevel := t.deps.Policy.Adjust(oldLevel, result.Score, QuestionTypeStructured)
	if err := t.deps.Students.UpdateLevel(ctx, t.studentID, topic, newLevel); err != nil {
		log.Printf("update level for %s/%s: %v", t.studentID, topic, err)
	}

	reply := fmt.Sprintf("Score: %.2f\nFeedback: %s\nNew proficiency: %.2f", result.Score, result.Feedback, newLevel)
	if len(result.GuidingQuestions) > 0 {
		reply += "\nThink about:\n- " + strings.Join(result.GuidingQuestions, "\n- ")
	}
	return reply
}

// referenceContext joins the contexts behind the last generated
// problems for use as grading reference material.
func (t *Tutor) referenceContext() string {
	if len(t.lastContexts) == 0 {
		return "Relevant notes or retrieved context"
	}
	parts := make([]string, 0, ragContextUsed)
	for i, c := range t.lastContexts {
		if i >= ragContextUsed {
			break
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

func (t *Tutor) handleRAGQuery(ctx context.Context, query string) string {
	topic := t.activeTopic(ctx)
	level, err := t.deps.Students.GetLevel(ctx, t.studentID, topic)
	if err != nil {
		log.Printf("load level for %s: %v", t.studentID, err)
		return fallbackReply
	}

	contexts, err := t.deps.Index.Snapshot().Contexts(topic, level, ragContextCount)
	if err != nil {
		var unknown *index.UnknownTopicError
		if errors.As(err, &unknown) {
			return fmt.Sprintf("I don't have any study material for %q yet. Upload a document for that topic first.", unknown.Topic)
		}
		log.Printf("retrieve contexts for %s/%s: %v", t.studentID, topic, err)
		return fallbackReply
	}

	parts := make([]string, 0, ragContextUsed)
	for i, c := range contexts {
		if i >= ragContextUsed {
			break
		}
		parts = append(parts, c.Text)
	}

	prompt := fmt.Sprintf("Answer this based only on the following:\n\n%s\n\nQuestion: %s", strings.Join(parts, "\n\n"), query)
	reply, err := t.deps.LLM.Complete(ctx, []models.Turn{{Role: models.RoleUser, Content: prompt}})
	if err != nil {
		log.Printf("rag reply for %s/%s: %v", t.studentID, topic, err)
		return fallbackReply
	}
	return strings.TrimSpace(reply)
}

func (t *Tutor) handleChat(ctx context.Context) string {
	reply, err := t.deps.LLM.Complete(ctx, t.history)
	if err != nil {
		log.Printf("chat reply for %s/%s: %v", t.studentID, t.subject, err)
		return fallbackReply
	}
	return strings.TrimSpace(reply)
}
