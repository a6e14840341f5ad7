package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// maxLineBytes bounds a single JSONL record
const maxLineBytes = 4 << 20

// JSONLSnapshotLoader reads a dataset's sentence pairs from a JSONL object
// in a blob store. Each line is {"source": "...", "target": "..."}.
type JSONLSnapshotLoader struct {
	blobs BlobStore
}

// NewJSONLSnapshotLoader creates a new JSONL snapshot loader
func NewJSONLSnapshotLoader(blobs BlobStore) *JSONLSnapshotLoader {
	return &JSONLSnapshotLoader{blobs: blobs}
}

// Load reads every pair of the dataset. A missing object or malformed line is
// not retryable because the dataset version is immutable.
func (l *JSONLSnapshotLoader) Load(ctx context.Context, dataset *models.Dataset) (*models.DatasetSnapshot, error) {
	source, target, err := SplitLanguageDirection(dataset.LanguageDirection)
	if err != nil {
		return nil, err
	}

	body, err := l.blobs.Get(ctx, dataset.FilePath)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.Fatal(err, "dataset %s file %s is missing", dataset.ID, dataset.FilePath)
		}
		return nil, err
	}
	defer body.Close()

	snapshot := &models.DatasetSnapshot{
		DatasetID:  dataset.ID,
		SourceLang: source,
		TargetLang: target,
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var pair models.SentencePair
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, apperr.Fatal(err, "dataset %s line %d is not a valid pair", dataset.ID, line)
		}
		snapshot.Pairs = append(snapshot.Pairs, pair)

		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Transient(err, "read dataset %s", dataset.ID)
	}
	return snapshot, nil
}

// SplitLanguageDirection splits "ja-en" into its source and target codes
func SplitLanguageDirection(direction string) (string, string, error) {
	parts := strings.Split(direction, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return "", "", apperr.Validation("invalid language direction %q", direction)
	}
	return parts[0], parts[1], nil
}
