package storage

import (
	"context"
	"fmt"
	"io"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"
)

// CheckpointManager manages checkpoint storage and retrieval
type CheckpointManager struct {
	blobs     BlobStore
	artifacts repository.ArtifactStore
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(blobs BlobStore, artifacts repository.ArtifactStore) *CheckpointManager {
	return &CheckpointManager{
		blobs:     blobs,
		artifacts: artifacts,
	}
}

// CheckpointKey returns the object key of an experiment's final checkpoint
func CheckpointKey(experimentID string) string {
	return fmt.Sprintf("checkpoints/%s/final.pt", experimentID)
}

// SaveCheckpoint streams the checkpoint produced by write into the blob store
// and records it as an artifact of the experiment. It returns the checkpoint URI.
func (cm *CheckpointManager) SaveCheckpoint(
	ctx context.Context,
	experimentID string,
	epoch int,
	write func(w io.Writer) error,
	metadata map[string]interface{},
) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(write(pw))
	}()

	uri, size, err := cm.blobs.Put(ctx, CheckpointKey(experimentID), pr)
	// unblock the writer if Put returned early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", err
	}

	meta := map[string]interface{}{
		"epoch": epoch,
		"size":  size,
	}
	for k, v := range metadata {
		meta[k] = v
	}
	artifact := &models.Artifact{
		OwnerID: experimentID,
		Type:    models.ArtifactTypeCheckpoint,
		URI:     uri,
		Meta:    meta,
	}
	if err := cm.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return "", fmt.Errorf("record checkpoint artifact: %w", err)
	}
	return uri, nil
}

// GetLatestCheckpoint returns the URI of the experiment's newest checkpoint
func (cm *CheckpointManager) GetLatestCheckpoint(ctx context.Context, experimentID string) (string, error) {
	checkpoints, err := cm.ListCheckpoints(ctx, experimentID)
	if err != nil {
		return "", err
	}

	var latest *models.Artifact
	latestEpoch := -1
	for i := range checkpoints {
		a := &checkpoints[i]
		epoch, ok := metaInt(a.Meta["epoch"])
		if !ok {
			// Fallback to time-based selection
			if latest == nil || (latestEpoch < 0 && a.CreatedAt.After(latest.CreatedAt)) {
				latest = a
			}
			continue
		}
		if epoch > latestEpoch {
			latestEpoch = epoch
			latest = a
		}
	}

	if latest == nil {
		return "", apperr.New(apperr.CodeNotFound, "no checkpoint found for experiment %s", experimentID)
	}
	return latest.URI, nil
}

// ListCheckpoints lists all checkpoints for an experiment
func (cm *CheckpointManager) ListCheckpoints(ctx context.Context, experimentID string) ([]models.Artifact, error) {
	checkpointType := models.ArtifactTypeCheckpoint
	return cm.artifacts.ListArtifacts(ctx, experimentID, &checkpointType)
}

// metaInt reads an integer from artifact metadata, which holds float64 after a JSON round trip
func metaInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
