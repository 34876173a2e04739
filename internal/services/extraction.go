package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"studybar/internal/index"
	"studybar/internal/llm"
)

const (
	// chunkTargetWords is the window size for splitting page text.
	chunkTargetWords = 120
	// Chunks outside these bounds carry too little or too much to be
	// useful retrieval units.
	chunkMinWords = 5
	chunkMaxWords = 500

	embedBatchSize = 256
)

// Extractor turns uploaded PDFs into content chunks and optionally
// enriches them with embedding vectors.
type Extractor struct {
	embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float32, error)
	}
}

func NewExtractor(client *llm.Client) *Extractor {
	return &Extractor{embedder: client}
}

// ExtractChunks pulls per-page text out of a PDF and windows it into
// bounded chunks with stable page-derived ids. The page count is
// returned alongside the chunks.
func (e *Extractor) ExtractChunks(path string) ([]index.Chunk, int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	numPages := r.NumPage()
	var chunks []index.Chunk
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		for i, chunkText := range windowWords(text) {
			chunks = append(chunks, index.Chunk{
				ID:   fmt.Sprintf("p%d_c%d", pageNum, i),
				Page: pageNum,
				Text: chunkText,
			})
		}
	}

	return chunks, numPages, nil
}

// windowWords collapses whitespace and splits the text into word
// windows, dropping fragments below the minimum.
func windowWords(text string) []string {
	words := strings.Fields(text)
	var out []string
	for start := 0; start < len(words); start += chunkTargetWords {
		end := start + chunkTargetWords
		if end > len(words) {
			end = len(words)
		}
		if end-start < chunkMinWords {
			break
		}
		if end-start > chunkMaxWords {
			end = start + chunkMaxWords
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

// EmbedChunks attaches embedding vectors in place, batching texts
// through the embedding collaborator. The vectors are stored for
// future similarity ranking; retrieval does not read them today.
func (e *Extractor) EmbedChunks(ctx context.Context, chunks []index.Chunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Text
		}

		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		for i, vec := range vectors {
			chunks[start+i].Embedding = vec
		}
	}
	return nil
}
