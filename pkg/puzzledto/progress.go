package puzzledto

// Stage names one step of an analysis run.
type Stage string

const (
	StageResolving Stage = "resolving"
	StageFetching  Stage = "fetching"
	StageFiltering Stage = "filtering"
	StageAnalyzing Stage = "analyzing"
	StageSaving    Stage = "saving"
	StageDone      Stage = "done"
)

// Progress is one report of a running analysis. Result is set only on the
// final report, whose Percent is 100.
type Progress struct {
	Stage   Stage
	Percent int
	Message string
	Result  *RunResult
}

type ProgressFunc func(Progress)

// GameError records why one game could not be analysed.
type GameError struct {
	GameID string
	Error  string
}

type RunResult struct {
	GamesFetched     int
	GamesAnalyzed    int
	GamesSkipped     int
	PuzzlesGenerated int
	RotationCount    int
	Errors           []GameError
}

// OK reports whether every fetched game was analysed or skipped cleanly.
func (r RunResult) OK() bool { return len(r.Errors) == 0 }
