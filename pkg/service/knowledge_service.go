package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/samber/lo"

	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/utils"
)

var ErrNoEmbedder = errors.New("knowledge index has no embedding function")

// indexedExtensions lists the course material formats the ingester reads as text.
var indexedExtensions = []string{".md", ".txt", ".py", ".ipynb", ".sql", ".csv", ".html"}

// KnowledgeService is a chromem-go backed index of course material.
type KnowledgeService struct {
	logger     *slog.Logger
	db         *chromem.DB
	embed      chromem.EmbeddingFunc
	name       string
	chunkChars int

	mu         sync.RWMutex
	collection *chromem.Collection
}

// KnowledgeOptions configures NewKnowledgeService. An empty Path keeps the
// index in memory.
type KnowledgeOptions struct {
	Path       string
	Collection string
	ChunkChars int
	Embed      chromem.EmbeddingFunc
}

func NewKnowledgeService(opts KnowledgeOptions) (*KnowledgeService, error) {
	if opts.Embed == nil {
		return nil, ErrNoEmbedder
	}
	if opts.Collection == "" {
		opts.Collection = "course_docs"
	}
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = 1500
	}

	var (
		vdb *chromem.DB
		err error
	)
	if opts.Path != "" {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
		}
		vdb, err = chromem.NewPersistentDB(opts.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge index: %w", err)
		}
	} else {
		vdb = chromem.NewDB()
	}

	s := &KnowledgeService{
		logger:     utils.GetLogger(),
		db:         vdb,
		embed:      opts.Embed,
		name:       opts.Collection,
		chunkChars: opts.ChunkChars,
	}
	s.collection = vdb.GetCollection(opts.Collection, opts.Embed)
	s.logger.Info("Knowledge index opened", "path", opts.Path, "collection", opts.Collection, "documents", s.Count())
	return s, nil
}

// EmbeddingFuncFromEmbedder adapts an eino embedder to chromem.
func EmbeddingFuncFromEmbedder(embedder embedding.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		result := make([]float32, len(embeddings[0]))
		for i, v := range embeddings[0] {
			result[i] = float32(v)
		}
		return result, nil
	}
}

// Count returns the number of indexed chunks.
func (s *KnowledgeService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.collection == nil {
		return 0
	}
	return s.collection.Count()
}

// Search returns up to k passages ranked by similarity. An empty index
// yields no passages and no error.
func (s *KnowledgeService) Search(ctx context.Context, query string, k int) ([]models.Passage, error) {
	s.mu.RLock()
	col := s.collection
	s.mu.RUnlock()

	if col == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k <= 0 || k > n {
		k = n
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query knowledge index: %w", err)
	}
	return lo.Map(results, func(r chromem.Result, _ int) models.Passage {
		return models.Passage{
			ID:        r.ID,
			Source:    r.Metadata["source"],
			Content:   r.Content,
			Relevance: r.Similarity,
		}
	}), nil
}

// Ingest replaces the collection with the chunked contents of every
// supported file under dir and returns the number of chunks written.
func (s *KnowledgeService) Ingest(ctx context.Context, dir string) (int, error) {
	var docs []chromem.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !lo.Contains(indexedExtensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !utf8.Valid(b) {
			s.logger.Warn("Skipping non UTF-8 document", "path", path)
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		for i, chunk := range ChunkText(string(b), s.chunkChars) {
			docs = append(docs, chromem.Document{
				ID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", rel, i))).String(),
				Metadata: map[string]string{"source": rel},
				Content:  chunk,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collection != nil {
		if err := s.db.DeleteCollection(s.name); err != nil {
			return 0, fmt.Errorf("reset knowledge collection: %w", err)
		}
	}
	col, err := s.db.CreateCollection(s.name, nil, s.embed)
	if err != nil {
		return 0, fmt.Errorf("create knowledge collection: %w", err)
	}
	s.collection = col
	if len(docs) == 0 {
		s.logger.Warn("No documents found to index", "dir", dir)
		return 0, nil
	}
	if err := col.AddDocuments(ctx, docs, 4); err != nil {
		return 0, fmt.Errorf("index documents: %w", err)
	}
	s.logger.Info("Knowledge index rebuilt", "dir", dir, "chunks", len(docs))
	return len(docs), nil
}

// ChunkText splits text on paragraph boundaries into pieces of at most size
// runes. Paragraphs longer than size are hard-split.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = 1500
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if len(runes) > size {
			flush()
			for len(runes) > 0 {
				n := min(size, len(runes))
				chunks = append(chunks, string(runes[:n]))
				runes = runes[n:]
			}
			continue
		}
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+len(runes) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
