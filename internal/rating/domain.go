package rating

import "fmt"

// UserID is the platform user identity (a chat snowflake).
type UserID int64

// Rank is an effective rank in [MinRank, MaxRank].
type Rank int

const (
	MinRank Rank = 1
	MaxRank Rank = 5

	// DefaultRank is the rank of a user nobody has rated yet.
	DefaultRank = MinRank
	// DefaultScore is the true score matching DefaultRank.
	DefaultScore = 1.0

	MinValue = 1
	MaxValue = 5
)

// Valid reports whether r is inside [MinRank, MaxRank].
func (r Rank) Valid() bool {
	return r >= MinRank && r <= MaxRank
}

func (r Rank) String() string {
	return fmt.Sprintf("%d", int(r))
}

// Edge records that Rater rated Target as Value while the rater held
// RaterRankAtCast. There is at most one edge per (Rater, Target).
type Edge struct {
	RaterID         UserID
	TargetID        UserID
	Value           int
	RaterRankAtCast Rank
}

// UserRank is the persisted rank state of a user.
type UserRank struct {
	UserID        UserID
	TrueScore     float64
	EffectiveRank Rank
}

// DefaultUserRank returns the rank state of an unranked user.
func DefaultUserRank(id UserID) UserRank {
	return UserRank{UserID: id, TrueScore: DefaultScore, EffectiveRank: DefaultRank}
}

// Rating is one side of an edge as seen from a user: the counterpart and the
// value exchanged.
type Rating struct {
	UserID UserID
	Value  int
}

// Stats summarises the whole rating graph.
type Stats struct {
	RankedUsers  int64
	TotalRatings int64
	AverageScore float64
}

// CascadeReport describes one propagation run.
type CascadeReport struct {
	Recomputed     int
	RankChanges    int
	EdgesRewritten int
	Failed         int
	Dropped        int
	Aborted        bool
	// Err wraps ErrCascadeLimitExceeded when Aborted is set.
	Err error
	// Changed lists users whose stored score or rank was written.
	Changed []UserID
}

// Submission is the engine outcome of a rating submission.
type Submission struct {
	RaterRank Rank
	Target    UserRank
	Unchanged bool
	Cascade   CascadeReport
}
