package analysis

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	chesslib "github.com/corentings/chess/v2"

	"github.com/park285/cheese-puzzles/internal/chess/movetext"
	"github.com/park285/cheese-puzzles/internal/chess/openingbook"
	"github.com/park285/cheese-puzzles/internal/chess/uci"
	"github.com/park285/cheese-puzzles/internal/domain"
)

const (
	ruyLopez = "1. e4 e5 2. Nf3 Nc6 3. Bb5 a6 4. Ba4 Nf6 5. O-O Be7 6. Re1 b5 7. Bb3 d6"
	longGame = "1. e4 e5 2. Nf3 Nc6 3. Bc4 Bc5 4. c3 Nf6 5. d3 d6 6. O-O O-O 7. Re1 a6 " +
		"8. a4 Ba7 9. h3 h6 10. Nbd2 Re8 11. Nf1 Be6 12. Bxe6 Rxe6 13. Ng3 Qd7 14. Be3 Bxe3 " +
		"15. Rxe3 Rae8 16. Qb3 b6 17. Rd1 Na5 18. Qc2 Nc6 19. d4 exd4 20. cxd4 Nb4 21. Qd2 c5"
)

// scriptedEngine scores by FEN; unscripted positions get pre/post defaults
// chosen by search depth.
type scriptedEngine struct {
	scores      map[string]uci.Evaluation
	preDefault  uci.Evaluation
	postDefault uci.Evaluation
	preDepth    int
	err         error
	calls       []string
}

func (e *scriptedEngine) Evaluate(_ context.Context, fen string, depth int) (uci.Evaluation, error) {
	e.calls = append(e.calls, fen)
	if e.err != nil {
		return uci.Evaluation{}, e.err
	}
	if ev, ok := e.scores[fen]; ok {
		return ev, nil
	}
	if depth == e.preDepth {
		return e.preDefault, nil
	}
	return e.postDefault, nil
}

type setBook struct {
	known map[string]bool
	name  string
}

func (b setBook) IsKnown(fen string) bool { return b.known[fen] }

func (b setBook) Lookup(fen string) (openingbook.Opening, bool) {
	if b.known[fen] {
		return openingbook.Opening{Name: b.name}, true
	}
	return openingbook.Opening{}, false
}

// fensAlong returns the FEN before each ply followed by the final FEN.
func fensAlong(t *testing.T, text string) []string {
	t.Helper()
	moves, err := movetext.Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	game := chesslib.NewGame()
	fens := []string{game.FEN()}
	for _, mv := range moves {
		m, err := chesslib.UCINotation{}.Decode(game.Position(), mv.UCI)
		if err != nil {
			t.Fatalf("decode %s: %v", mv.UCI, err)
		}
		if err := game.Move(m, nil); err != nil {
			t.Fatalf("move %s: %v", mv.SAN, err)
		}
		fens = append(fens, game.FEN())
	}
	return fens
}

func newTestAnalyzer(engine *scriptedEngine, book Book) *Analyzer {
	policy := DefaultPolicy()
	engine.preDepth = policy.PreDepth
	a := New(engine, book, policy, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	return a
}

func TestEndToEndDeviationAfterBook(t *testing.T) {
	fens := fensAlong(t, ruyLopez)
	book := setBook{known: map[string]bool{}, name: "Ruy Lopez: Morphy Defense"}
	for i := 1; i <= 8; i++ {
		book.known[fens[i]] = true
	}
	engine := &scriptedEngine{scores: map[string]uci.Evaluation{
		fens[8]: {BestMove: "d2d4", Score: 30},
		fens[9]: {BestMove: "b7b5", Score: 120},
	}}
	a := newTestAnalyzer(engine, book)

	puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g1", Moves: ruyLopez}, domain.White)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(puzzles) != 1 {
		t.Fatalf("expected 1 puzzle, got %d: %+v", len(puzzles), puzzles)
	}
	p := puzzles[0]
	if p.FEN != fens[8] || p.Ply != 8 {
		t.Fatalf("anchor = ply %d %q, want ply 8 %q", p.Ply, p.FEN, fens[8])
	}
	if p.EvalLoss != 150 || p.PlayerColor != domain.White || p.PlayedSAN != "O-O" {
		t.Fatalf("unexpected puzzle %+v", p)
	}
	if p.CorrectMove != "d2d4" || p.PlayerMove != "e1g1" {
		t.Fatalf("moves = correct %q player %q", p.CorrectMove, p.PlayerMove)
	}
	if p.BestEvaluation != 30 || p.Evaluation != -120 {
		t.Fatalf("evaluations = %d/%d", p.BestEvaluation, p.Evaluation)
	}
	if p.OpeningName != "Ruy Lopez: Morphy Defense" || p.GameID != "g1" || p.Status != domain.StatusNew {
		t.Fatalf("metadata = %+v", p)
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{BestMove: "a2a3", Score: 40},
		postDefault: uci.Evaluation{BestMove: "a7a6", Score: 200},
	}
	a := newTestAnalyzer(engine, setBook{})
	game := domain.GameRecord{ID: "g2", Moves: longGame}

	first, err := a.Analyze(context.Background(), game, domain.White)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := a.Analyze(context.Background(), game, domain.White)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(first) == 0 || !reflect.DeepEqual(first, second) {
		t.Fatalf("analysis not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestPlyBoundAndTurnFilter(t *testing.T) {
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{BestMove: "a2a3", Score: 40},
		postDefault: uci.Evaluation{BestMove: "a7a6", Score: 200},
	}
	a := newTestAnalyzer(engine, setBook{})

	puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g3", Moves: longGame}, domain.Black)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(puzzles) != 10 {
		t.Fatalf("expected a puzzle on each of black's first 10 moves, got %d", len(puzzles))
	}
	for _, p := range puzzles {
		if p.Ply >= 20 {
			t.Fatalf("puzzle beyond opening phase at ply %d", p.Ply)
		}
		if p.Ply%2 != 1 || p.PlayerColor != domain.Black {
			t.Fatalf("puzzle for a white move: %+v", p)
		}
	}
	if len(engine.calls) != 20 {
		t.Fatalf("expected 20 engine calls, got %d", len(engine.calls))
	}
}

func TestBookKnownPositionsNeverReachEngine(t *testing.T) {
	fens := fensAlong(t, longGame)
	book := setBook{known: map[string]bool{}}
	for _, fen := range fens[1:] {
		book.known[fen] = true
	}
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{Score: 500},
		postDefault: uci.Evaluation{Score: 900},
	}
	a := newTestAnalyzer(engine, book)

	puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g4", Moves: longGame}, domain.White)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(puzzles) != 0 || len(engine.calls) != 0 {
		t.Fatalf("book positions analysed: puzzles=%d calls=%d", len(puzzles), len(engine.calls))
	}
}

func TestLossThreshold(t *testing.T) {
	const oneMove = "1. e4 e5"
	cases := []struct {
		name     string
		pre      int
		postRaw  int
		wantLoss int
		want     int
	}{
		// postRaw is the engine's view for the opponent; the mover sees its negation.
		{"loss 130 emits", 50, 80, 130, 1},
		{"loss 80 is ignored", 50, 30, 0, 0},
		{"loss exactly at threshold is ignored", 50, 50, 0, 0},
		{"already lost never emits", -300, 500, 0, 0},
		{"lost threshold is inclusive", -250, 500, 250, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &scriptedEngine{
				preDefault:  uci.Evaluation{BestMove: "d2d4", Score: tc.pre},
				postDefault: uci.Evaluation{Score: tc.postRaw},
			}
			a := newTestAnalyzer(engine, setBook{})
			puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g", Moves: oneMove}, domain.White)
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			if len(puzzles) != tc.want {
				t.Fatalf("got %d puzzles, want %d", len(puzzles), tc.want)
			}
			if tc.want == 1 && puzzles[0].EvalLoss != tc.wantLoss {
				t.Fatalf("eval loss = %d, want %d", puzzles[0].EvalLoss, tc.wantLoss)
			}
		})
	}
}

func TestIllegalMoveTruncatesAnalysis(t *testing.T) {
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{Score: 0},
		postDefault: uci.Evaluation{Score: 300},
	}
	a := newTestAnalyzer(engine, setBook{})

	puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g5", Moves: "1. e4 e5 2. Ke3 Nc6 3. Nf3"}, domain.White)
	if err != nil {
		t.Fatalf("truncation should not fail the game: %v", err)
	}
	if len(puzzles) != 1 || puzzles[0].Ply != 0 {
		t.Fatalf("expected only the verified first move to be analysed, got %+v", puzzles)
	}
}

func TestEngineErrorIsReturned(t *testing.T) {
	engine := &scriptedEngine{err: uci.ErrEngineTimeout}
	a := newTestAnalyzer(engine, setBook{})

	_, err := a.Analyze(context.Background(), domain.GameRecord{ID: "g6", Moves: ruyLopez}, domain.White)
	if !errors.Is(err, uci.ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
}

func TestOpeningPlyHintSkipsEarlyPlies(t *testing.T) {
	engine := &scriptedEngine{}
	a := newTestAnalyzer(engine, setBook{})
	game := domain.GameRecord{
		ID:      "g7",
		Moves:   longGame,
		Opening: &domain.OpeningInfo{Name: "Italian Game: Giuoco Pianissimo", Ply: 10},
	}

	if _, err := a.Analyze(context.Background(), game, domain.White); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	// White plies 8..18 remain: six moves, two evaluations each.
	if len(engine.calls) != 12 {
		t.Fatalf("expected 12 engine calls, got %d", len(engine.calls))
	}
}

func TestOpeningNamePriority(t *testing.T) {
	fens := fensAlong(t, "1. e4 e5")
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{Score: 0},
		postDefault: uci.Evaluation{Score: 300},
	}
	book := setBook{known: map[string]bool{fens[0]: true}, name: "Book Name"}
	a := newTestAnalyzer(engine, book)

	withMeta := domain.GameRecord{ID: "m", Moves: "1. e4", Opening: &domain.OpeningInfo{Name: "Meta Name"}}
	puzzles, _ := a.Analyze(context.Background(), withMeta, domain.White)
	if len(puzzles) != 1 || puzzles[0].OpeningName != "Meta Name" {
		t.Fatalf("metadata name should win: %+v", puzzles)
	}

	puzzles, _ = a.Analyze(context.Background(), domain.GameRecord{ID: "b", Moves: "1. e4"}, domain.White)
	if len(puzzles) != 1 || puzzles[0].OpeningName != "Book Name" {
		t.Fatalf("book name should be used: %+v", puzzles)
	}

	a = newTestAnalyzer(engine, setBook{})
	puzzles, _ = a.Analyze(context.Background(), domain.GameRecord{ID: "f", Moves: "1. e4"}, domain.White)
	if len(puzzles) != 1 || puzzles[0].OpeningName != FallbackOpeningName {
		t.Fatalf("fallback name expected: %+v", puzzles)
	}
}

func TestECOBookKeepsMainLineOutOfEngine(t *testing.T) {
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{BestMove: "a2a3", Score: 300},
		postDefault: uci.Evaluation{BestMove: "a7a6", Score: 300},
	}
	a := newTestAnalyzer(engine, openingbook.NewECOBook())

	game := domain.GameRecord{ID: "eco", Moves: "1. e4 e5 2. Nf3 Nc6 3. Bb5 a6 4. Ba4 Nf6 5. O-O Be7"}
	puzzles, err := a.Analyze(context.Background(), game, domain.White)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(puzzles) != 0 || len(engine.calls) != 0 {
		t.Fatalf("theory reached the engine: %d calls, %d puzzles", len(engine.calls), len(puzzles))
	}
}

func TestECOBookNamesDeviation(t *testing.T) {
	const text = "1. e4 e5 2. Nf3 Nc6 3. Bb5 a6 4. Ba4 Nf6 5. Kf1"
	fens := fensAlong(t, text)
	engine := &scriptedEngine{
		preDefault:  uci.Evaluation{BestMove: "e1g1", Score: 20},
		postDefault: uci.Evaluation{Score: -20},
		scores: map[string]uci.Evaluation{
			fens[9]: {BestMove: "f6e4", Score: 200},
		},
	}
	a := newTestAnalyzer(engine, openingbook.NewECOBook())

	puzzles, err := a.Analyze(context.Background(), domain.GameRecord{ID: "kf1", Moves: text}, domain.White)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(puzzles) != 1 || puzzles[0].PlayedSAN != "Kf1" || puzzles[0].Ply != 8 {
		t.Fatalf("puzzles = %+v", puzzles)
	}
	if puzzles[0].OpeningName == FallbackOpeningName {
		t.Fatalf("deviation from book should carry an ECO name")
	}
}
