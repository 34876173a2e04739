package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"studybar/internal/index"
	"studybar/internal/llm"
	"studybar/internal/models"
)

const (
	// generatorContextCount chunks feed each generation prompt.
	generatorContextCount = 8
	// contextCharLimit bounds each chunk's contribution to the prompt.
	contextCharLimit = 800
)

// Generator synthesizes practice problems for a topic at a target
// difficulty, grounded in chunks pulled from the context index.
type Generator struct {
	llm   llm.Completer
	index *index.Store
}

func NewGenerator(client llm.Completer, idx *index.Store) *Generator {
	return &Generator{llm: client, index: idx}
}

// ProblemSet pairs generated problems with the contexts they were
// grounded on.
type ProblemSet struct {
	Problems []models.Problem `json:"problems"`
	Contexts []index.Chunk    `json:"contexts"`
}

const questionGenPrompt = `You are a skilled teacher. Using the following context snippets, create %d problems on the topic "%s" targeted at a student with mastery level %.2f
(where 0 represents a complete beginner with little to no knowledge on the topic, and 1 represents complete proficiency over individual concepts within the topic, cross concepts and cross topical items with this topic).
There should be a mix of Multiple Choice Questions and Structured Multi Part Questions.

Return a JSON array (no extra text) of objects with keys:
  - id (string)
  - question (string)
  - answer (string)
  - concepts (array of strings)

Contexts:
%s`

// GenerateProblems pulls contexts for the topic at the given difficulty
// and asks the model for n problems. Unparseable output degrades to a
// single pseudo-problem wrapping the raw text; an unknown topic
// propagates as *index.UnknownTopicError.
func (g *Generator) GenerateProblems(ctx context.Context, topic string, n int, difficulty float64, userPrompt string) (*ProblemSet, error) {
	contexts, err := g.index.Snapshot().Contexts(topic, difficulty, generatorContextCount)
	if err != nil {
		return nil, err
	}

	var builder strings.Builder
	for i, c := range contexts {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		text := truncateContext(strings.TrimSpace(c.Text))
		fmt.Fprintf(&builder, "--- %s (p%d):\n%s", c.ID, c.Page, text)
	}

	system := fmt.Sprintf(questionGenPrompt, n, topic, difficulty, builder.String())
	raw, err := g.llm.Complete(ctx, []models.Turn{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return nil, fmt.Errorf("request problems: %w", err)
	}

	var problems []models.Problem
	if !llm.UnmarshalArray(raw, &problems) {
		problems = []models.Problem{{
			Question: strings.TrimSpace(raw),
			Concepts: []string{topic},
		}}
	}
	for i := range problems {
		if problems[i].ID == "" {
			problems[i].ID = uuid.NewString()
		}
	}

	return &ProblemSet{Problems: problems, Contexts: contexts}, nil
}

// truncateContext caps a chunk's prompt contribution at
// contextCharLimit bytes, backing up to a rune boundary so the cut
// never emits invalid UTF-8.
func truncateContext(text string) string {
	if len(text) <= contextCharLimit {
		return text
	}
	cut := contextCharLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
