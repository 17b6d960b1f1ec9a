package runbooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/utils"
)

// DefaultSource labels chunks ingested from the runbook folder
const DefaultSource = "runbooks"

// Report describes one ingestion pass
type Report struct {
	Documents     int      `json:"documents"`
	Inserted      int      `json:"inserted"`
	Unchanged     int      `json:"unchanged"`
	Removed       []string `json:"removed"`
	CorpusVersion string   `json:"corpus_version"`
}

// Ingester indexes a folder of markdown runbooks
type Ingester struct {
	db       *gorm.DB
	embedder embedding.Embedder
	dir      string
	source   string
	tags     []string

	mu sync.Mutex
}

// NewIngester creates an ingester for dir. tags are added to every chunk.
func NewIngester(db *gorm.DB, embedder embedding.Embedder, dir string, tags ...string) *Ingester {
	return &Ingester{
		db:       db,
		embedder: embedder,
		dir:      dir,
		source:   DefaultSource,
		tags:     tags,
	}
}

// Dir returns the watched folder
func (in *Ingester) Dir() string {
	return in.dir
}

// HashContent returns the version hash of a document
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IsRunbookFile reports whether name should be indexed
func IsRunbookFile(name string) bool {
	base := filepath.Base(name)
	if !strings.EqualFold(filepath.Ext(base), ".md") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(base), "readme")
}

// IngestFolder syncs the store with the folder. Unchanged documents are
// skipped, changed ones have their chunks replaced and documents missing
// from the folder are removed. Passes never overlap.
func (in *Ingester) IngestFolder(ctx context.Context) (*Report, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	start := time.Now()

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runbook folder %s: %w", in.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsRunbookFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	known, err := database.RunbookDocumentVersions(ctx, in.db)
	if err != nil {
		return nil, err
	}

	report := &Report{Documents: len(names), Removed: []string{}}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[name] = true

		content, err := os.ReadFile(filepath.Join(in.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read runbook %s: %w", name, err)
		}
		hash := HashContent(content)
		if known[name] == hash {
			report.Unchanged++
			continue
		}

		inserted, err := in.ingestDocument(ctx, name, content, hash)
		if err != nil {
			return nil, err
		}
		report.Inserted += inserted
		log.Printf("Runbooks: indexed %s (%d chunks)", name, inserted)
	}

	var gone []string
	for doc := range known {
		if !seen[doc] {
			gone = append(gone, doc)
		}
	}
	sort.Strings(gone)
	if len(gone) > 0 {
		if _, err := database.DeleteRunbookDocuments(ctx, in.db, gone); err != nil {
			return nil, err
		}
		report.Removed = gone
		log.Printf("Runbooks: removed %d documents no longer in %s", len(gone), in.dir)
	}

	version, err := database.RunbookCorpusVersion(ctx, in.db)
	if err != nil {
		return nil, err
	}
	report.CorpusVersion = version
	log.Printf("Runbooks: synced %d documents in %s (%d chunks inserted, %d unchanged)",
		report.Documents, utils.FormatDuration(time.Since(start)), report.Inserted, report.Unchanged)
	return report, nil
}

func (in *Ingester) ingestDocument(ctx context.Context, name string, content []byte, hash string) (int, error) {
	doc, err := Parse(content, strings.TrimSuffix(name, filepath.Ext(name)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse runbook %s: %w", name, err)
	}

	tags := mergeTags(in.tags, doc.Meta.Tags)
	rows := make([]database.RunbookChunk, 0, len(doc.Chunks))
	for _, c := range doc.Chunks {
		vec, model, err := in.embedder.EmbedText(ctx, c.Content)
		if err != nil {
			return 0, fmt.Errorf("failed to embed %s chunk %d: %w", name, c.Index, err)
		}
		row := database.RunbookChunk{
			Source:         in.source,
			SourceDocument: name,
			SourceURI:      filepath.Join(in.dir, name),
			ChunkIndex:     c.Index,
			Title:          c.Title,
			Content:        c.Content,
			Tags:           tags,
			VersionHash:    hash,
		}
		if len(vec) > 0 {
			v := pgvector.NewVector(vec)
			row.Embedding = &v
			row.EmbeddingModel = model
		}
		rows = append(rows, row)
	}

	if err := database.ReplaceRunbookDocument(ctx, in.db, name, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// mergeTags keeps first-seen order and drops duplicates
func mergeTags(lists ...[]string) database.StringList {
	out := database.StringList{}
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}
