package arbiter

import "time"

// Profile captures the subset of arbitrator data exposed via the public API
// layer and the panel-selection queries.
type Profile struct {
	ID        string
	FullName  string
	Rating    float64
	CreatedAt time.Time
}
