package index

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// Chunk is one unit of extracted document content. Chunks are created
// at ingestion and read-only afterwards.
type Chunk struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic,omitempty"`
	Page      int       `json:"page"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// UnknownTopicError reports a context request for a topic that has no
// bucket. Unlike transient collaborator faults this signals a data
// problem and is surfaced to the caller.
type UnknownTopicError struct {
	Topic string
}

func (e *UnknownTopicError) Error() string {
	return fmt.Sprintf("no content bucket for topic %q", e.Topic)
}

// MixPolicy controls mastery-gated cross-topic sampling. The values
// are tuned rather than derived, so they stay configurable.
type MixPolicy struct {
	// Gate is the mastery level above which other topics are mixed in.
	Gate float64
	// Step grants one extra topic per Step of mastery above the gate.
	Step float64
}

func DefaultMixPolicy() MixPolicy {
	return MixPolicy{Gate: 0.7, Step: 0.1}
}

// Snapshot is an immutable in-memory view of every topic bucket.
// Rebuilding produces a new Snapshot; an existing one is never mutated.
type Snapshot struct {
	buckets map[string][]Chunk
	topics  []string
	policy  MixPolicy
}

// Load reads every *.json bucket file in dir into a Snapshot. Malformed
// or unreadable files are skipped with a log line rather than aborting
// the whole load.
func Load(dir string, policy MixPolicy) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bucket dir: %w", err)
	}

	buckets := make(map[string][]Chunk)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		topic := strings.TrimSuffix(entry.Name(), ".json")

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Printf("skip bucket %s: %v", entry.Name(), err)
			continue
		}
		var chunks []Chunk
		if err := json.Unmarshal(data, &chunks); err != nil {
			log.Printf("skip malformed bucket %s: %v", entry.Name(), err)
			continue
		}
		for i := range chunks {
			chunks[i].Topic = topic
		}
		buckets[topic] = chunks
	}

	topics := make([]string, 0, len(buckets))
	for topic := range buckets {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return &Snapshot{buckets: buckets, topics: topics, policy: policy}, nil
}

// Topics lists every loaded bucket name.
func (s *Snapshot) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Size reports the number of chunks in one topic's bucket.
func (s *Snapshot) Size(topic string) int {
	return len(s.buckets[topic])
}

// Contexts samples up to k chunks for the topic, without replacement.
// Above the mix gate, advanced students additionally receive chunks
// from floor((level-gate)/step)+1 other topics, up to k/2 from each,
// and the combined pool is shuffled. Every call draws a fresh sample.
func (s *Snapshot) Contexts(topic string, studentLevel float64, k int) ([]Chunk, error) {
	bucket, ok := s.buckets[topic]
	if !ok {
		return nil, &UnknownTopicError{Topic: topic}
	}
	if k <= 0 {
		return nil, nil
	}

	pool := sample(bucket, k)

	if studentLevel > s.policy.Gate {
		extra := int((studentLevel-s.policy.Gate)/s.policy.Step) + 1
		for _, other := range s.pickOtherTopics(topic, extra) {
			pool = append(pool, sample(s.buckets[other], k/2)...)
		}
		rand.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
	}

	return pool, nil
}

// pickOtherTopics selects up to n distinct topics other than exclude,
// at random.
func (s *Snapshot) pickOtherTopics(exclude string, n int) []string {
	others := make([]string, 0, len(s.topics))
	for _, t := range s.topics {
		if t != exclude {
			others = append(others, t)
		}
	}
	rand.Shuffle(len(others), func(i, j int) {
		others[i], others[j] = others[j], others[i]
	})
	if n > len(others) {
		n = len(others)
	}
	return others[:n]
}

// sample draws min(k, len(bucket)) chunks without replacement.
func sample(bucket []Chunk, k int) []Chunk {
	if k > len(bucket) {
		k = len(bucket)
	}
	if k <= 0 {
		return nil
	}
	picks := rand.Perm(len(bucket))[:k]
	out := make([]Chunk, 0, k)
	for _, i := range picks {
		out = append(out, bucket[i])
	}
	return out
}

// Store holds the current Snapshot behind an atomic pointer so readers
// always see a complete index while ingestion rebuilds in the
// background.
type Store struct {
	dir    string
	policy MixPolicy
	snap   atomic.Pointer[Snapshot]
}

// Open loads the initial snapshot from dir.
func Open(dir string, policy MixPolicy) (*Store, error) {
	st := &Store{dir: dir, policy: policy}
	if err := st.Reload(); err != nil {
		return nil, err
	}
	return st, nil
}

// Snapshot returns the current immutable view.
func (st *Store) Snapshot() *Snapshot {
	return st.snap.Load()
}

// Reload builds a fresh snapshot from disk and swaps it in atomically.
func (st *Store) Reload() error {
	snap, err := Load(st.dir, st.policy)
	if err != nil {
		return err
	}
	st.snap.Store(snap)
	return nil
}
