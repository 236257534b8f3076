package arbiter

import "context"

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	ListEligible(ctx context.Context, escrowID string, n int) ([]Profile, error)
	AdjustRating(ctx context.Context, userID string, delta float64) error
}

// Rating deltas applied when a dispute settles. Winners recover standing,
// losers shed more than winners gain so serial disputants trend downward.
const (
	winDelta  = 0.5
	lossDelta = -1.0
)

// Service exposes roster reads, panel candidate selection, and the
// reputation adjustments driven by the outbox dispatcher.
type Service struct {
	repo ProfileStore
}

func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo}
}

// GetByID returns the arbitrator profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// Roster returns up to limit arbitrators, best-rated first.
func (s *Service) Roster(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// SelectCandidates returns up to n arbitrators eligible to judge the given
// escrow. The escrow's payer and payee are excluded so a party can never sit
// on its own panel.
func (s *Service) SelectCandidates(ctx context.Context, escrowID string, n int) ([]Profile, error) {
	if n <= 0 {
		n = 3
	}
	return s.repo.ListEligible(ctx, escrowID, n)
}

// Adjust applies the reputation change for a settled dispute. Unknown tags
// are ignored so a replayed or malformed outbox message cannot poison the
// dispatcher.
func (s *Service) Adjust(ctx context.Context, userID, tag string) error {
	var delta float64
	switch tag {
	case "dispute-win":
		delta = winDelta
	case "dispute-loss":
		delta = lossDelta
	default:
		return nil
	}
	return s.repo.AdjustRating(ctx, userID, delta)
}
