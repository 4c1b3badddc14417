// Package movetext turns a game's move text (a SAN move list or a full PGN)
// into a verified sequence of moves. Every returned move has been applied to
// a board, so positions derived from it are legal by construction.
package movetext

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-puzzles/internal/domain"
)

var ErrIllegalMove = errors.New("illegal move in move text")

var (
	reTags       = regexp.MustCompile(`(?m)^\[.*?\]\s*`)
	reComments   = regexp.MustCompile(`\{[^}]*\}|;[^\n]*`)
	reNAG        = regexp.MustCompile(`\$\d+`)
	reMoveNumber = regexp.MustCompile(`^\d+\.+`)
)

// Move is one verified half-move. Ply is 0-based: ply 0 is White's first move.
type Move struct {
	Ply   int
	Color domain.Color
	SAN   string
	UCI   string
}

// IllegalMoveError reports the first token that could not be applied.
type IllegalMoveError struct {
	Ply   int
	Token string
	Err   error
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("ply %d: move %q: %v", e.Ply, e.Token, e.Err)
}

func (e *IllegalMoveError) Unwrap() error { return ErrIllegalMove }

// Tokens strips PGN headers, comments, NAGs, variations, move numbers and
// result markers and returns the bare SAN tokens in order.
func Tokens(text string) []string {
	text = reTags.ReplaceAllString(text, "")
	text = reComments.ReplaceAllString(text, " ")
	text = reNAG.ReplaceAllString(text, " ")
	text = stripVariations(text)

	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = reMoveNumber.ReplaceAllString(f, "")
		f = strings.TrimRight(f, "!?")
		if f == "" || isResult(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Parse verifies the move text from the standard starting position. It stops
// at the first move that does not apply and returns the verified prefix
// together with an *IllegalMoveError.
func Parse(text string) ([]Move, error) {
	tokens := Tokens(text)
	game := nchess.NewGame()
	san := nchess.AlgebraicNotation{}
	uci := nchess.UCINotation{}

	moves := make([]Move, 0, len(tokens))
	for i, tok := range tokens {
		pos := game.Position()
		mv, err := san.Decode(pos, tok)
		if err != nil {
			return moves, &IllegalMoveError{Ply: i, Token: tok, Err: err}
		}
		canonical := san.Encode(pos, mv)
		moveUCI := strings.ToLower(uci.Encode(pos, mv))
		if err := game.Move(mv, nil); err != nil {
			return moves, &IllegalMoveError{Ply: i, Token: tok, Err: err}
		}
		moves = append(moves, Move{
			Ply:   i,
			Color: colorOf(pos.Turn()),
			SAN:   canonical,
			UCI:   moveUCI,
		})
	}
	return moves, nil
}

func colorOf(c nchess.Color) domain.Color {
	if c == nchess.Black {
		return domain.Black
	}
	return domain.White
}

func isResult(tok string) bool {
	switch tok {
	case "1-0", "0-1", "1/2-1/2", "*":
		return true
	default:
		return false
	}
}

func stripVariations(text string) string {
	if !strings.ContainsRune(text, '(') {
		return text
	}
	var b strings.Builder
	depth := 0
	for _, r := range text {
		switch {
		case r == '(':
			depth++
			b.WriteRune(' ')
		case r == ')':
			if depth > 0 {
				depth--
			}
			b.WriteRune(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
