package llm_test

import (
	"testing"

	"studybar/internal/llm"
)

type grading struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

func TestUnmarshalObject(t *testing.T) {
	t.Run("DirectJSON", func(t *testing.T) {
		var out grading
		if !llm.UnmarshalObject(`{"score": 0.8, "feedback": "good"}`, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if out.Score != 0.8 || out.Feedback != "good" {
			t.Errorf("Unexpected result: %+v", out)
		}
	})

	t.Run("FencedJSON", func(t *testing.T) {
		raw := "```json\n{\"score\": 0.6, \"feedback\": \"ok\"}\n```"
		var out grading
		if !llm.UnmarshalObject(raw, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if out.Score != 0.6 {
			t.Errorf("Unexpected score: %v", out.Score)
		}
	})

	t.Run("FenceWithoutLanguage", func(t *testing.T) {
		raw := "```\n{\"score\": 1}\n```"
		var out grading
		if !llm.UnmarshalObject(raw, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if out.Score != 1 {
			t.Errorf("Unexpected score: %v", out.Score)
		}
	})

	t.Run("EmbeddedInProse", func(t *testing.T) {
		raw := `Here is my assessment: {"score": 0.4, "feedback": "needs work"} I hope that helps!`
		var out grading
		if !llm.UnmarshalObject(raw, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if out.Feedback != "needs work" {
			t.Errorf("Unexpected feedback: %q", out.Feedback)
		}
	})

	t.Run("PlainTextFails", func(t *testing.T) {
		var out grading
		if llm.UnmarshalObject("I cannot grade this answer.", &out) {
			t.Error("Expected parse to fail on plain text")
		}
	})

	t.Run("EmptyInputFails", func(t *testing.T) {
		var out grading
		if llm.UnmarshalObject("   ", &out) {
			t.Error("Expected parse to fail on empty input")
		}
	})
}

func TestUnmarshalArray(t *testing.T) {
	t.Run("DirectArray", func(t *testing.T) {
		var out []grading
		if !llm.UnmarshalArray(`[{"score": 1}, {"score": 0}]`, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if len(out) != 2 {
			t.Errorf("Expected 2 items, got %d", len(out))
		}
	})

	t.Run("FencedArrayWithProse", func(t *testing.T) {
		raw := "Sure! Here are the questions:\n```json\n[{\"score\": 0.5}]\n```\nLet me know."
		var out []grading
		if !llm.UnmarshalArray(raw, &out) {
			t.Fatal("Expected parse to succeed")
		}
		if len(out) != 1 {
			t.Errorf("Expected 1 item, got %d", len(out))
		}
	})

	t.Run("BracketedSubstring", func(t *testing.T) {
		raw := `Questions below. [{"score": 0.3}] Done.`
		var out []grading
		if !llm.UnmarshalArray(raw, &out) {
			t.Fatal("Expected parse to succeed")
		}
	})

	t.Run("ObjectIsNotArray", func(t *testing.T) {
		var out []grading
		if llm.UnmarshalArray(`{"score": 1}`, &out) {
			t.Error("Expected parse to fail when output is an object")
		}
	})
}
