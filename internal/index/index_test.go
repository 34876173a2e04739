package index_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"studybar/internal/index"
)

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

func loadSnapshot(t *testing.T, dir string) *index.Snapshot {
	t.Helper()
	snap, err := index.Load(dir, index.DefaultMixPolicy())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return snap
}

func countByTopic(chunks []index.Chunk) map[string]int {
	out := make(map[string]int)
	for _, c := range chunks {
		out[c.Topic]++
	}
	return out
}

func TestSnapshot_Load(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 10)
	writeBucket(t, dir, "energetics", 10)

	snap := loadSnapshot(t, dir)

	topics := snap.Topics()
	if len(topics) != 2 {
		t.Fatalf("Expected 2 topics, got %v", topics)
	}
	if snap.Size("atomic_structure") != 10 {
		t.Errorf("Expected 10 chunks, got %d", snap.Size("atomic_structure"))
	}
}

func TestSnapshot_SkipsMalformedBucket(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 5)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write broken bucket: %v", err)
	}

	snap := loadSnapshot(t, dir)

	if len(snap.Topics()) != 1 {
		t.Errorf("Expected broken bucket skipped, got topics %v", snap.Topics())
	}
}

func TestContexts_UnknownTopic(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 5)

	snap := loadSnapshot(t, dir)

	_, err := snap.Contexts("no_such_topic", 0.5, 8)
	var unknownErr *index.UnknownTopicError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("Expected UnknownTopicError, got %v", err)
	}
	if unknownErr.Topic != "no_such_topic" {
		t.Errorf("Expected topic in error, got %q", unknownErr.Topic)
	}
}

func TestContexts_SingleTopicBelowGate(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 20)
	writeBucket(t, dir, "energetics", 20)

	snap := loadSnapshot(t, dir)

	chunks, err := snap.Contexts("atomic_structure", 0.5, 8)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(chunks) != 8 {
		t.Fatalf("Expected 8 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Topic != "atomic_structure" {
			t.Errorf("Expected only requested topic below gate, got chunk from %q", c.Topic)
		}
	}
}

func TestContexts_ShortBucket(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 3)

	snap := loadSnapshot(t, dir)

	chunks, err := snap.Contexts("atomic_structure", 0.2, 8)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("Expected all 3 available chunks, got %d", len(chunks))
	}
}

func TestContexts_CrossTopicMixing(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 20)
	writeBucket(t, dir, "energetics", 20)
	writeBucket(t, dir, "kinetics", 20)
	writeBucket(t, dir, "equilibria", 20)

	snap := loadSnapshot(t, dir)

	t.Run("NoMixingAtGate", func(t *testing.T) {
		chunks, err := snap.Contexts("atomic_structure", 0.70, 8)
		if err != nil {
			t.Fatalf("Contexts: %v", err)
		}
		byTopic := countByTopic(chunks)
		if len(byTopic) != 1 {
			t.Errorf("Expected no mixing at the gate, got %v", byTopic)
		}
	})

	t.Run("OneExtraTopicJustAboveGate", func(t *testing.T) {
		chunks, err := snap.Contexts("atomic_structure", 0.75, 8)
		if err != nil {
			t.Fatalf("Contexts: %v", err)
		}
		byTopic := countByTopic(chunks)
		if len(byTopic) != 2 {
			t.Errorf("Expected exactly one extra topic, got %v", byTopic)
		}
		if byTopic["atomic_structure"] != 8 {
			t.Errorf("Expected full primary sample, got %v", byTopic)
		}
		for topic, n := range byTopic {
			if topic != "atomic_structure" && n != 4 {
				t.Errorf("Expected k/2 chunks from %s, got %d", topic, n)
			}
		}
	})

	t.Run("ThreeExtraTopicsNearMastery", func(t *testing.T) {
		chunks, err := snap.Contexts("atomic_structure", 0.95, 8)
		if err != nil {
			t.Fatalf("Contexts: %v", err)
		}
		byTopic := countByTopic(chunks)
		if len(byTopic) != 4 {
			t.Errorf("Expected three extra topics, got %v", byTopic)
		}
		if len(chunks) != 8+3*4 {
			t.Errorf("Expected 20 chunks total, got %d", len(chunks))
		}
	})

	t.Run("ExtraTopicsCappedByAvailability", func(t *testing.T) {
		smallDir := t.TempDir()
		writeBucket(t, smallDir, "atomic_structure", 20)
		writeBucket(t, smallDir, "energetics", 20)
		small := loadSnapshot(t, smallDir)

		chunks, err := small.Contexts("atomic_structure", 0.99, 8)
		if err != nil {
			t.Fatalf("Contexts: %v", err)
		}
		byTopic := countByTopic(chunks)
		if len(byTopic) != 2 {
			t.Errorf("Expected mixing limited to available topics, got %v", byTopic)
		}
	})
}

func TestStore_Reload(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, "atomic_structure", 5)

	store, err := index.Open(dir, index.DefaultMixPolicy())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	before := store.Snapshot()
	if got := len(before.Topics()); got != 1 {
		t.Fatalf("Expected 1 topic before reload, got %d", got)
	}

	writeBucket(t, dir, "energetics", 5)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := len(store.Snapshot().Topics()); got != 2 {
		t.Errorf("Expected 2 topics after reload, got %d", got)
	}
	// The old snapshot is untouched by the swap.
	if got := len(before.Topics()); got != 1 {
		t.Errorf("Expected old snapshot unchanged, got %d topics", got)
	}
}
