package tutor_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"studybar/internal/db"
	"studybar/internal/index"
	"studybar/internal/models"
	"studybar/internal/services"
	"studybar/internal/tutor"
)

// fakeModel replays scripted responses for both the fast and full
// model, in call order.
type fakeModel struct {
	fast      []string
	full      []string
	fullCalls []string
}

func (f *fakeModel) Complete(ctx context.Context, turns []models.Turn) (string, error) {
	if len(f.full) == 0 {
		return "", errors.New("no scripted response left")
	}
	if len(turns) > 0 {
		f.fullCalls = append(f.fullCalls, turns[len(turns)-1].Content)
	}
	next := f.full[0]
	f.full = f.full[1:]
	return next, nil
}

func (f *fakeModel) CompleteFast(ctx context.Context, prompt string) (string, error) {
	if len(f.fast) == 0 {
		return "", errors.New("no scripted response left")
	}
	next := f.fast[0]
	f.fast = f.fast[1:]
	return next, nil
}

type fixture struct {
	conn          *sql.DB
	model         *fakeModel
	deps          tutor.Deps
	conversations *services.ConversationService
	students      *services.StudentService
	answers       *services.AnswerService
}

func newFixture(t *testing.T, model *fakeModel) *fixture {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	bucketDir := t.TempDir()
	writeBucket(t, bucketDir, "atomic_structure", 20)
	idx, err := index.Open(bucketDir, index.DefaultMixPolicy())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	students := services.NewStudentService(conn)
	conversations := services.NewConversationService(conn)
	answers := services.NewAnswerService(nil, nil)

	return &fixture{
		conn:          conn,
		model:         model,
		conversations: conversations,
		students:      students,
		answers:       answers,
		deps: tutor.Deps{
			LLM:           model,
			Students:      students,
			Index:         idx,
			Generator:     services.NewGenerator(model, idx),
			Grader:        services.NewGrader(model, conn, ""),
			Answers:       answers,
			Conversations: conversations,
			Policy:        tutor.DefaultProficiencyPolicy(),
			DefaultTopic:  "atomic_structure",
		},
	}
}

func writeBucket(t *testing.T, dir, topic string, n int) {
	t.Helper()
	chunks := make([]index.Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, index.Chunk{
			ID:   fmt.Sprintf("p1_c%d", i),
			Page: 1,
			Text: fmt.Sprintf("%s chunk %d", topic, i),
		})
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		t.Fatalf("marshal bucket: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, topic+".json"), data, 0o644); err != nil {
		t.Fatalf("write bucket: %v", err)
	}
}

func TestTutor_NewSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{})

	session, state, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if state != tutor.SessionNew {
		t.Errorf("Expected SessionNew, got %v", state)
	}

	history := session.History()
	if len(history) != 1 {
		t.Fatalf("Expected single system turn, got %d turns", len(history))
	}
	if history[0].Role != models.RoleSystem {
		t.Errorf("Expected system role, got %q", history[0].Role)
	}
	if !strings.Contains(history[0].Content, "chemistry") {
		t.Errorf("Expected subject in persona turn, got %q", history[0].Content)
	}
}

func TestTutor_FeedbackFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		fast: []string{"get_feedback"},
		full: []string{`{"score": 0.9, "feedback": "Great work.", "guiding_questions": []}`},
	})

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := session.HandlePrompt(ctx, "My answer: protons are positively charged.")
	if err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}

	if !strings.Contains(reply, "Score: 0.90") {
		t.Errorf("Expected score in reply, got %q", reply)
	}
	// 0 + 0.05*(1-0)*1.0*(0.9-0.5)*2 = 0.04
	if !strings.Contains(reply, "New proficiency: 0.04") {
		t.Errorf("Expected updated proficiency in reply, got %q", reply)
	}

	level, err := f.students.GetLevel(ctx, "alice", "atomic_structure")
	if err != nil {
		t.Fatalf("GetLevel: %v", err)
	}
	if level != 0.04 {
		t.Errorf("Expected persisted level 0.04, got %v", level)
	}

	turns, found, err := f.conversations.Load(ctx, "alice", "chemistry")
	if err != nil {
		t.Fatalf("Load conversation: %v", err)
	}
	if !found || len(turns) != 3 {
		t.Fatalf("Expected 3 persisted turns, got found=%v len=%d", found, len(turns))
	}
	if turns[1].Role != models.RoleUser || turns[2].Role != models.RoleAssistant {
		t.Errorf("Unexpected turn roles: %v, %v", turns[1].Role, turns[2].Role)
	}
}

func TestTutor_FeedbackPrefersUploadedAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		fast: []string{"get_feedback"},
		full: []string{`{"score": 0.8, "feedback": "Good.", "guiding_questions": []}`},
	})
	f.answers.Submit("alice", "chemistry", "uploaded working: E = hf")

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := session.HandlePrompt(ctx, "please grade my uploaded answer"); err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}

	if len(f.model.fullCalls) != 1 {
		t.Fatalf("Expected one grading call, got %d", len(f.model.fullCalls))
	}
	if !strings.Contains(f.model.fullCalls[0], "uploaded working: E = hf") {
		t.Errorf("Expected uploaded artifact in grading prompt, got %q", f.model.fullCalls[0])
	}
}

func TestTutor_QuestionGeneration(t *testing.T) {
	ctx := context.Background()

	t.Run("RendersNumberedQuestions", func(t *testing.T) {
		f := newFixture(t, &fakeModel{
			fast: []string{"generate_questions"},
			full: []string{`[
				{"id": "a", "question": "What is an atom?", "answer": "The smallest unit of an element.", "concepts": ["atoms"]},
				{"id": "b", "question": "Define isotope.", "answer": "Same element, different neutron count.", "concepts": ["isotopes"]}
			]`},
		})

		session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		reply, err := session.HandlePrompt(ctx, "give me practice questions")
		if err != nil {
			t.Fatalf("HandlePrompt: %v", err)
		}

		if !strings.Contains(reply, "Q1: What is an atom?") {
			t.Errorf("Expected first question, got %q", reply)
		}
		if !strings.Contains(reply, "Q2: Define isotope.") {
			t.Errorf("Expected second question, got %q", reply)
		}
	})

	t.Run("UnknownTopicExplainsMissingMaterial", func(t *testing.T) {
		f := newFixture(t, &fakeModel{
			fast: []string{"generate_questions"},
		})
		// The student's last activity points at a topic with no bucket.
		if err := f.students.UpdateLevel(ctx, "alice", "organic_chemistry", 0.1); err != nil {
			t.Fatalf("UpdateLevel: %v", err)
		}

		session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		reply, err := session.HandlePrompt(ctx, "quiz me")
		if err != nil {
			t.Fatalf("HandlePrompt: %v", err)
		}
		if !strings.Contains(reply, "organic_chemistry") || !strings.Contains(reply, "Upload a document") {
			t.Errorf("Expected missing-material reply, got %q", reply)
		}
	})
}

func TestTutor_RAGQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		fast: []string{"rag_query"},
		full: []string{"An atom consists of protons, neutrons, and electrons."},
	})

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := session.HandlePrompt(ctx, "what is an atom made of?")
	if err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}

	if reply != "An atom consists of protons, neutrons, and electrons." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	if len(f.model.fullCalls) != 1 {
		t.Fatalf("Expected one model call, got %d", len(f.model.fullCalls))
	}
	prompt := f.model.fullCalls[0]
	if !strings.Contains(prompt, "based only on the following") {
		t.Errorf("Expected grounding instruction, got %q", prompt)
	}
	if !strings.Contains(prompt, "atomic_structure chunk") {
		t.Errorf("Expected retrieved context in prompt, got %q", prompt)
	}
}

func TestTutor_IntentFailureFallsBackToChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		// No fast responses: classification fails.
		full: []string{"Hello! What would you like to study today?"},
	})

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := session.HandlePrompt(ctx, "hi")
	if err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}
	if reply != "Hello! What would you like to study today?" {
		t.Errorf("Expected chat fallback, got %q", reply)
	}
}

func TestTutor_UnrecognizedLabelFallsBackToChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		fast: []string{"summarize_notes"},
		full: []string{"Let's talk it through."},
	})

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := session.HandlePrompt(ctx, "do something odd")
	if err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}
	if reply != "Let's talk it through." {
		t.Errorf("Expected chat fallback, got %q", reply)
	}
}

func TestTutor_ResumeSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		full: []string{"Nice to meet you."},
	})

	first, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := first.HandlePrompt(ctx, "hello"); err != nil {
		t.Fatalf("HandlePrompt: %v", err)
	}

	second, state, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if state != tutor.SessionResumed {
		t.Errorf("Expected SessionResumed, got %v", state)
	}
	if got := len(second.History()); got != 3 {
		t.Errorf("Expected 3 resumed turns, got %d", got)
	}

	// A different subject starts fresh.
	_, state, err = tutor.New(ctx, "alice", "physics", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if state != tutor.SessionNew {
		t.Errorf("Expected SessionNew for new subject, got %v", state)
	}
}

func TestTutor_ConcurrentTurnsSerialize(t *testing.T) {
	ctx := context.Background()
	const turns = 8

	replies := make([]string, turns)
	for i := range replies {
		replies[i] = fmt.Sprintf("reply %d", i)
	}
	f := newFixture(t, &fakeModel{full: replies})

	store := tutor.NewSessionStore(f.deps, 4)
	session, _, err := store.Get(ctx, "alice", "chemistry")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := session.HandlePrompt(ctx, fmt.Sprintf("message %d", i)); err != nil {
				t.Errorf("HandlePrompt: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history := session.History()
	if got := len(history); got != 1+2*turns {
		t.Fatalf("Expected %d turns, got %d", 1+2*turns, got)
	}
	// After the system turn, user and assistant turns strictly
	// alternate: no turn from one request interleaves another's.
	for i := 1; i < len(history); i += 2 {
		if history[i].Role != models.RoleUser || history[i+1].Role != models.RoleAssistant {
			t.Fatalf("Turn %d/%d out of order: %s then %s", i, i+1, history[i].Role, history[i+1].Role)
		}
	}

	persisted, found, err := f.conversations.Load(ctx, "alice", "chemistry")
	if err != nil {
		t.Fatalf("Load conversation: %v", err)
	}
	if !found || len(persisted) != len(history) {
		t.Errorf("Expected persisted record to match, got found=%v len=%d", found, len(persisted))
	}
}

func TestTutor_SaveFailureRollsBackHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{
		full: []string{"This reply will not be persisted."},
	})

	session, _, err := tutor.New(ctx, "alice", "chemistry", f.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Closing the connection makes the final save fail.
	f.conn.Close()

	if _, err := session.HandlePrompt(ctx, "hello"); err == nil {
		t.Fatal("Expected persistence error, got nil")
	}
	if got := len(session.History()); got != 1 {
		t.Errorf("Expected history rolled back to system turn, got %d turns", got)
	}
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()

	t.Run("ReturnsSameSessionForPair", func(t *testing.T) {
		f := newFixture(t, &fakeModel{})
		store := tutor.NewSessionStore(f.deps, 4)

		a, state, err := store.Get(ctx, "alice", "chemistry")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if state != tutor.SessionNew {
			t.Errorf("Expected SessionNew, got %v", state)
		}

		b, state, err := store.Get(ctx, "alice", "chemistry")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if state != tutor.SessionResumed {
			t.Errorf("Expected SessionResumed on cache hit, got %v", state)
		}
		if a != b {
			t.Error("Expected the cached session instance")
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		f := newFixture(t, &fakeModel{})
		store := tutor.NewSessionStore(f.deps, 2)

		if _, _, err := store.Get(ctx, "alice", "chemistry"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, _, err := store.Get(ctx, "bob", "chemistry"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, _, err := store.Get(ctx, "carol", "chemistry"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := store.Len(); got != 2 {
			t.Errorf("Expected capacity held at 2, got %d", got)
		}
	})

	t.Run("DistinctSubjectsAreDistinctSessions", func(t *testing.T) {
		f := newFixture(t, &fakeModel{})
		store := tutor.NewSessionStore(f.deps, 4)

		a, _, err := store.Get(ctx, "alice", "chemistry")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		b, _, err := store.Get(ctx, "alice", "physics")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if a == b {
			t.Error("Expected separate sessions per subject")
		}
	})
}
