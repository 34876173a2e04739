package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"studybar/internal/index"
	"studybar/internal/models"
)

// IngestionService coordinates PDF parsing, embedding, bucket
// persistence, and index rebuilds.
type IngestionService struct {
	documents  *DocumentService
	extractor  *Extractor
	flashcards *FlashcardService
	index      *index.Store
	bucketDir  string
}

func NewIngestionService(
	documents *DocumentService,
	extractor *Extractor,
	flashcards *FlashcardService,
	idx *index.Store,
	bucketDir string,
) *IngestionService {
	return &IngestionService{
		documents:  documents,
		extractor:  extractor,
		flashcards: flashcards,
		index:      idx,
		bucketDir:  bucketDir,
	}
}

// ProcessStudyDocument chunks the document into the topic's bucket,
// enriches the chunks with embeddings, and swaps in a fresh index
// snapshot. Embedding failures degrade to un-enriched chunks, since
// retrieval does not read the vectors.
func (s *IngestionService) ProcessStudyDocument(ctx context.Context, doc *models.Document, topic string) (int, error) {
	chunks, pages, err := s.extractor.ExtractChunks(doc.StoredPath)
	if err != nil {
		return 0, fmt.Errorf("extract chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text extracted from %s", doc.OriginalName)
	}

	if err := s.documents.UpdatePageCount(ctx, doc.ID, pages); err != nil {
		return 0, err
	}

	// Chunk ids are unique within a page; the document id makes them
	// unique within the whole bucket.
	for i := range chunks {
		chunks[i].ID = fmt.Sprintf("d%d_%s", doc.ID, chunks[i].ID)
	}

	if err := s.extractor.EmbedChunks(ctx, chunks); err != nil {
		log.Printf("embed chunks for %s: %v (continuing without vectors)", doc.OriginalName, err)
	}

	if err := s.appendBucket(topic, chunks); err != nil {
		return 0, err
	}
	if err := s.index.Reload(); err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	return len(chunks), nil
}

// ProcessFlashcardDocument extracts chunks and distills them into
// flashcards for review.
func (s *IngestionService) ProcessFlashcardDocument(ctx context.Context, doc *models.Document, topic string) ([]models.Card, error) {
	chunks, pages, err := s.extractor.ExtractChunks(doc.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("extract chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", doc.OriginalName)
	}

	if err := s.documents.UpdatePageCount(ctx, doc.ID, pages); err != nil {
		return nil, err
	}

	return s.flashcards.GenerateFromChunks(ctx, doc, topic, chunks)
}

// appendBucket merges new chunks into the topic's bucket file. The
// write is whole-file: read existing, append, write back.
func (s *IngestionService) appendBucket(topic string, chunks []index.Chunk) error {
	if err := os.MkdirAll(s.bucketDir, 0o755); err != nil {
		return fmt.Errorf("ensure bucket dir: %w", err)
	}
	path := filepath.Join(s.bucketDir, topic+".json")

	var existing []index.Chunk
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			// Malformed bucket: start over rather than losing the new
			// ingestion.
			log.Printf("replace malformed bucket %s: %v", path, err)
			existing = nil
		}
	}

	merged := append(existing, chunks...)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode bucket %s: %w", topic, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bucket %s: %w", topic, err)
	}
	return nil
}
