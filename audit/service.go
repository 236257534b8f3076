package audit

import (
	"context"
	"fmt"
	"time"
)

// AnchorClient submits a chain-head digest to an external immutable ledger and
// returns an opaque reference. Implementations are expected to be slow and
// unreliable; anchoring is notarization, never a correctness dependency.
type AnchorClient interface {
	Anchor(ctx context.Context, digest string) (string, error)
}

// Service exposes read-side chain operations: listing, verification and
// best-effort anchoring.
type Service struct {
	repo          *Repository
	anchor        AnchorClient
	anchorTimeout time.Duration
}

func NewService(repo *Repository, anchor AnchorClient) *Service {
	return &Service{
		repo:          repo,
		anchor:        anchor,
		anchorTimeout: 10 * time.Second,
	}
}

// Trail returns the subject's entries along with the verification result.
func (s *Service) Trail(ctx context.Context, subjectID string) ([]Entry, Verification, error) {
	entries, err := s.repo.List(ctx, subjectID)
	if err != nil {
		return nil, Verification{}, err
	}
	return entries, Recompute(entries), nil
}

// Verify recomputes the subject's chain against the stored hashes.
func (s *Service) Verify(ctx context.Context, subjectID string) (Verification, error) {
	entries, err := s.repo.List(ctx, subjectID)
	if err != nil {
		return Verification{}, err
	}
	return Recompute(entries), nil
}

// Anchor submits the current chain head to the external ledger and stores the
// receipt. A failure here leaves the local chain untouched.
func (s *Service) Anchor(ctx context.Context, subjectID string) (Receipt, error) {
	if s.anchor == nil {
		return Receipt{}, fmt.Errorf("audit: no anchor client configured")
	}

	head, err := s.repo.Head(ctx, subjectID)
	if err != nil {
		return Receipt{}, err
	}

	anchorCtx, cancel := context.WithTimeout(ctx, s.anchorTimeout)
	defer cancel()

	ref, err := s.anchor.Anchor(anchorCtx, head.Hash)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: anchor head: %w", err)
	}

	return s.repo.RecordAnchor(ctx, Receipt{
		SubjectID: subjectID,
		HeadSeq:   head.Seq,
		HeadHash:  head.Hash,
		Reference: ref,
	})
}
