package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/helios-data/specter/pkg/extract"
)

// FrameStore persists extracted frames as versioned JSON documents in blob
// storage so downstream pipeline stages can pick them up by run ID.
type FrameStore struct {
	blobs  BlobClient
	logger *zap.Logger
}

func NewFrameStore(blobs BlobClient, logger *zap.Logger) (*FrameStore, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &FrameStore{blobs: blobs, logger: logger}, nil
}

// SaveFrame uploads the frame document and returns its blob reference.
func (s *FrameStore) SaveFrame(ctx context.Context, runID string, frame *extract.Frame) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run ID is required")
	}
	data, err := EncodeFrame(runID, frame)
	if err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}

	blobPath := framePath(runID)
	ref, err := s.blobs.Upload(ctx, blobPath, data, map[string]string{
		"run_id": runID,
		"kind":   "frame",
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Stored frame",
		zap.String("run_id", runID),
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return ref, nil
}

// LoadFrame downloads a frame document by run ID or blob reference.
func (s *FrameStore) LoadFrame(ctx context.Context, reference string) (*extract.Frame, string, error) {
	if reference == "" {
		return nil, "", fmt.Errorf("frame reference is required")
	}
	ref := reference
	if !looksLikePath(reference) {
		ref = framePath(reference)
	}

	data, err := s.blobs.Download(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download frame: %w", err)
	}

	frame, runID, err := DecodeFrame(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode frame: %w", err)
	}
	return frame, runID, nil
}

// ListRuns returns the run IDs of all stored frames.
func (s *FrameStore) ListRuns(ctx context.Context) ([]string, error) {
	paths, err := s.blobs.List(ctx, framePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	runs := make([]string, 0, len(paths))
	for _, p := range paths {
		id := strings.TrimPrefix(p, framePrefix)
		id = strings.TrimSuffix(id, ".json")
		if id != "" {
			runs = append(runs, id)
		}
	}
	sort.Strings(runs)
	return runs, nil
}

const framePrefix = "frames/"

func framePath(runID string) string {
	return framePrefix + runID + ".json"
}

func looksLikePath(ref string) bool {
	for _, c := range ref {
		if c == '/' || c == '.' || c == ':' {
			return true
		}
	}
	return false
}
