package lobby

// Filters narrows ListOpen results. Zero values match everything.
type Filters struct {
	Rounds     int
	Category   string
	Difficulty string
}

const (
	// MinRounds and MaxRounds bound how long a duel may run.
	MinRounds = 1
	MaxRounds = 20
)
