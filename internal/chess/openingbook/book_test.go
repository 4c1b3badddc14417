package openingbook

import (
	"strings"
	"testing"

	chesslib "github.com/corentings/chess/v2"
)

func fenAfter(t *testing.T, uciMoves ...string) string {
	t.Helper()
	game := chesslib.NewGame()
	notation := chesslib.UCINotation{}
	for _, mv := range uciMoves {
		m, err := notation.Decode(game.Position(), mv)
		if err != nil {
			t.Fatalf("decode %s: %v", mv, err)
		}
		if err := game.Move(m, nil); err != nil {
			t.Fatalf("apply %s: %v", mv, err)
		}
	}
	return game.FEN()
}

func TestECOBookKnowsRuyLopez(t *testing.T) {
	book := NewECOBook()
	if book.Size() == 0 {
		t.Fatalf("expected ECO index to be populated")
	}
	fen := fenAfter(t, "e2e4", "e7e5", "g1f3", "b8c6", "f1b5")
	if !book.IsKnown(fen) {
		t.Fatalf("Ruy Lopez position should be book")
	}
	op, ok := book.Lookup(fen)
	if !ok || !strings.Contains(op.Name, "Ruy Lopez") {
		t.Fatalf("Lookup = (%+v, %v), want a Ruy Lopez name", op, ok)
	}
	if op.Code == "" {
		t.Fatalf("expected ECO code for %q", op.Name)
	}
}

func TestECOBookRejectsNonsense(t *testing.T) {
	book := NewECOBook()
	fen := fenAfter(t, "a2a3", "h7h6", "h2h3", "a7a6", "a1a2", "h8h7")
	if book.IsKnown(fen) {
		t.Fatalf("nonsense position should not be book")
	}
	if _, ok := book.Lookup(fen); ok {
		t.Fatalf("Lookup should miss for nonsense position")
	}
}

func TestNewFromLinesIndexesTranspositions(t *testing.T) {
	book := NewFromLines(map[string]string{
		"Test Line": "1. Nf3 Nf6 2. c4",
	})
	// 1.c4 Nf6 2.Nf3 reaches the same position with different counters.
	fen := fenAfter(t, "c2c4", "g8f6", "g1f3")
	op, ok := book.Lookup(fen)
	if !ok || op.Name != "Test Line" {
		t.Fatalf("Lookup transposition = (%+v, %v)", op, ok)
	}
	if !book.IsKnown(fenAfter(t, "g1f3")) {
		t.Fatalf("intermediate line positions should be book")
	}
}

func TestNilBook(t *testing.T) {
	var book *Book
	if book.IsKnown("whatever") {
		t.Fatalf("nil book knows nothing")
	}
}

func TestECOBookIndexesWholeLines(t *testing.T) {
	book := NewECOBook()
	if book.Size() < 3000 {
		t.Fatalf("ECO index too small: %d positions", book.Size())
	}
	najdorf := fenAfter(t, "e2e4", "c7c5", "g1f3", "d7d6", "d2d4", "c5d4", "f3d4", "g8f6", "b1c3", "a7a6")
	op, ok := book.Lookup(najdorf)
	if !ok || !strings.Contains(op.Name, "Sicilian") {
		t.Fatalf("Najdorf Lookup = (%+v, %v)", op, ok)
	}
	closedRuy := fenAfter(t, "e2e4", "e7e5", "g1f3", "b8c6", "f1b5", "a7a6", "b5a4", "g8f6", "e1g1", "f8e7")
	if !book.IsKnown(closedRuy) {
		t.Fatalf("closed Ruy Lopez should be book")
	}
}
