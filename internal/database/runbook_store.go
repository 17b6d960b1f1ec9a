package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// RunbookDocumentVersions maps each indexed document to its version hash
func RunbookDocumentVersions(ctx context.Context, db *gorm.DB) (map[string]string, error) {
	var rows []struct {
		SourceDocument string
		VersionHash    string
	}
	err := db.WithContext(ctx).Model(&RunbookChunk{}).
		Distinct("source_document", "version_hash").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load runbook versions: %w", err)
	}
	versions := make(map[string]string, len(rows))
	for _, r := range rows {
		versions[r.SourceDocument] = r.VersionHash
	}
	return versions, nil
}

// CorpusVersion hashes sorted (document, version) pairs. Any document that
// is added, changed or removed yields a new value.
func CorpusVersion(versions map[string]string) string {
	docs := make([]string, 0, len(versions))
	for doc := range versions {
		docs = append(docs, doc)
	}
	sort.Strings(docs)

	h := sha256.New()
	for _, doc := range docs {
		h.Write([]byte(doc))
		h.Write([]byte{0})
		h.Write([]byte(versions[doc]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RunbookCorpusVersion computes the current corpus version from the store
func RunbookCorpusVersion(ctx context.Context, db *gorm.DB) (string, error) {
	versions, err := RunbookDocumentVersions(ctx, db)
	if err != nil {
		return "", err
	}
	return CorpusVersion(versions), nil
}

// ReplaceRunbookDocument swaps every chunk of one document in a single
// transaction
func ReplaceRunbookDocument(ctx context.Context, db *gorm.DB, document string, chunks []RunbookChunk) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_document = ?", document).Delete(&RunbookChunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete chunks of %s: %w", document, err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return fmt.Errorf("failed to insert chunks of %s: %w", document, err)
		}
		return nil
	})
}

// DeleteRunbookDocuments removes every chunk of the named documents
func DeleteRunbookDocuments(ctx context.Context, db *gorm.DB, documents []string) (int64, error) {
	if len(documents) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Where("source_document IN ?", documents).Delete(&RunbookChunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete runbook documents: %w", res.Error)
	}
	return res.RowsAffected, nil
}
