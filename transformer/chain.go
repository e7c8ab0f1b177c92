package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"
)

// genesis previous-hash for the first revision of a lineage.
const genesisHash = ""

func contentHashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// linkHash binds a revision to its predecessor: any retroactive edit of
// an earlier entry breaks this link for every later one.
func linkHash(previousHash, contentHash string) string {
	sum := sha256.Sum256([]byte(previousHash + contentHash))
	return hex.EncodeToString(sum[:])
}

// VerifyResult is the outcome of recomputing a lineage's hashes.
type VerifyResult struct {
	IsValid          bool   `json:"is_valid"`
	CurrentHash      string `json:"current_hash"`
	Revisions        int    `json:"revisions"`
	BrokenAtRevision *int   `json:"broken_at_revision,omitempty"`
}

// ChainWriter appends standardized resources to their per-resource
// hash chains and verifies them.
type ChainWriter struct {
	repo       interfaces.ChainRepositoryInterface
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewChainWriter(repo interfaces.ChainRepositoryInterface, logger *slog.Logger) *ChainWriter {
	return &ChainWriter{
		repo:       repo,
		logger:     logger.With("component", "chain_writer"),
		retryDelay: 500 * time.Millisecond,
	}
}

// Append writes the next revision of a lineage. Losing a chain link
// breaks verifiability for every subsequent entry, so a failed write is
// retried once with backoff and then surfaced as a hard error; the
// triggering canonical reading is already persisted, so the transform
// can be replayed later.
func (w *ChainWriter) Append(resourceType, resourceID string, content any) (*models.ResourceRevision, error) {
	rev, err := w.appendOnce(resourceType, resourceID, content)
	if err == nil {
		return rev, nil
	}

	w.logger.Warn("Chain write failed, retrying once",
		"resource_type", resourceType, "resource_id", resourceID, "error", err)

	// A lost revision race can be retried immediately (the head just
	// moved); anything else gets a breather first.
	if !errors.Is(err, repositories.ErrRevisionTaken) {
		time.Sleep(w.retryDelay)
	}

	rev, err = w.appendOnce(resourceType, resourceID, content)
	if err != nil {
		return nil, fmt.Errorf("chain write for %s/%s failed after retry: %w", resourceType, resourceID, err)
	}
	return rev, nil
}

// appendOnce performs one optimistic append: the expected previous hash
// is the head read at the start, and the revision-number uniqueness
// constraint rejects the write if another writer moved the head in
// between.
func (w *ChainWriter) appendOnce(resourceType, resourceID string, content any) (*models.ResourceRevision, error) {
	serialized, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("serialize %s/%s content: %w", resourceType, resourceID, err)
	}

	previousHash := genesisHash
	revision := 1
	latest, err := w.repo.GetLatest(resourceType, resourceID)
	if err != nil && !base.IsNotFound(err) {
		return nil, err
	}
	if latest != nil {
		previousHash = latest.CurrentHash
		revision = latest.Revision + 1
	}

	contentHash := contentHashOf(serialized)
	rev := &models.ResourceRevision{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Revision:     revision,
		Content:      string(serialized),
		ContentHash:  contentHash,
		PreviousHash: previousHash,
		CurrentHash:  linkHash(previousHash, contentHash),
	}

	if err := w.repo.Append(rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// Latest returns the head revision of a lineage, or nil for an empty
// lineage.
func (w *ChainWriter) Latest(resourceType, resourceID string) (*models.ResourceRevision, error) {
	latest, err := w.repo.GetLatest(resourceType, resourceID)
	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return latest, nil
}

// Verify recomputes every content hash and chain link of a lineage. A
// mutated historical revision invalidates itself and, through the link
// hashes, every revision after it.
func (w *ChainWriter) Verify(resourceType, resourceID string) (*VerifyResult, error) {
	lineage, err := w.repo.GetLineage(resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 {
		return nil, &base.EntityNotFoundError{Table: "resource_chain", Identifier: resourceType + "/" + resourceID}
	}

	result := &VerifyResult{
		IsValid:     true,
		CurrentHash: lineage[len(lineage)-1].CurrentHash,
		Revisions:   len(lineage),
	}

	previousHash := genesisHash
	for i := range lineage {
		rev := &lineage[i]
		contentHash := contentHashOf([]byte(rev.Content))
		if contentHash != rev.ContentHash ||
			rev.PreviousHash != previousHash ||
			linkHash(previousHash, contentHash) != rev.CurrentHash {
			broken := rev.Revision
			result.IsValid = false
			result.BrokenAtRevision = &broken
			break
		}
		previousHash = rev.CurrentHash
	}

	return result, nil
}

// Stats returns aggregate revision counts per resource type.
func (w *ChainWriter) Stats() ([]interfaces.ChainStat, error) {
	return w.repo.Stats()
}
