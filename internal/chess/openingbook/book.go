package openingbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"

	"github.com/park285/cheese-puzzles/internal/chess/movetext"
)

var (
	defaultOnce sync.Once
	defaultBook *Book
	defaultErr  error
)

// Opening names a known theoretical position.
type Opening struct {
	Code string
	Name string
}

type entry struct {
	opening Opening
	exact   bool
	plies   int
}

// Book answers "is this position theory" from an ECO index keyed by position,
// optionally widened by a polyglot book.
type Book struct {
	index    map[string]entry
	polyglot *chesslib.PolyglotBook
	hasher   *chesslib.ZobristHasher
}

type Option func(*Book)

func WithPolyglot(pb *chesslib.PolyglotBook) Option {
	return func(b *Book) { b.polyglot = pb }
}

// Default returns the process-wide book: the ECO index plus the polyglot book
// found by ResolveBookPath, if any. Built once.
func Default() (*Book, error) {
	defaultOnce.Do(func() {
		var opts []Option
		bookPath, err := ResolveBookPath()
		if err != nil {
			defaultErr = err
			return
		}
		if bookPath != "" {
			pb, err := LoadFromPath(bookPath)
			if err != nil {
				defaultErr = err
				return
			}
			opts = append(opts, WithPolyglot(pb))
		}
		defaultBook = NewECOBook(opts...)
	})
	return defaultBook, defaultErr
}

// NewECOBook indexes every position along every ECO line.
func NewECOBook(opts ...Option) *Book {
	b := &Book{
		index:  make(map[string]entry),
		hasher: chesslib.NewZobristHasher(),
	}
	for _, opt := range opts {
		opt(b)
	}

	eco := opening.NewBookECO()
	for _, o := range eco.Possible(nil) {
		if o == nil {
			continue
		}
		// ECO lines carry their moves in UCI notation.
		b.addMoves(Opening{Code: o.Code(), Name: o.Title()}, strings.Fields(o.PGN()))
	}
	return b
}

// NewFromLines builds a book from explicit move lines, keyed by opening name.
func NewFromLines(lines map[string]string, opts ...Option) *Book {
	b := &Book{
		index:  make(map[string]entry),
		hasher: chesslib.NewZobristHasher(),
	}
	for _, opt := range opts {
		opt(b)
	}
	for name, line := range lines {
		// A bad token only shortens the indexed prefix.
		moves, _ := movetext.Parse(line)
		uciMoves := make([]string, len(moves))
		for i, mv := range moves {
			uciMoves[i] = mv.UCI
		}
		b.addMoves(Opening{Name: name}, uciMoves)
	}
	return b
}

// addMoves indexes every position along a line of UCI moves, stopping at the
// first move that does not apply.
func (b *Book) addMoves(op Opening, uciMoves []string) {
	if len(uciMoves) == 0 {
		return
	}
	game := chesslib.NewGame()
	notation := chesslib.UCINotation{}
	for i, mv := range uciMoves {
		decoded, err := notation.Decode(game.Position(), mv)
		if err != nil {
			return
		}
		if err := game.Move(decoded, nil); err != nil {
			return
		}
		key := positionKey(game.FEN())
		candidate := entry{opening: op, exact: i == len(uciMoves)-1, plies: len(uciMoves)}
		if cur, ok := b.index[key]; !ok || better(candidate, cur) {
			b.index[key] = candidate
		}
	}
}

func better(a, b entry) bool {
	if a.exact != b.exact {
		return a.exact
	}
	if a.plies != b.plies {
		return a.plies < b.plies
	}
	return a.opening.Code < b.opening.Code
}

// IsKnown reports whether the position is opening theory.
func (b *Book) IsKnown(fen string) bool {
	if b == nil {
		return false
	}
	if _, ok := b.index[positionKey(fen)]; ok {
		return true
	}
	return b.inPolyglot(fen)
}

// Lookup returns the opening name for a book position.
func (b *Book) Lookup(fen string) (Opening, bool) {
	if b == nil {
		return Opening{}, false
	}
	e, ok := b.index[positionKey(fen)]
	if !ok {
		return Opening{}, false
	}
	return e.opening, true
}

// Size is the number of indexed positions.
func (b *Book) Size() int {
	if b == nil {
		return 0
	}
	return len(b.index)
}

func (b *Book) inPolyglot(fen string) bool {
	if b.polyglot == nil || strings.TrimSpace(fen) == "" {
		return false
	}
	hashStr, err := b.hasher.HashPosition(fen)
	if err != nil {
		return false
	}
	return len(b.polyglot.FindMoves(chesslib.ZobristHashToUint64(hashStr))) > 0
}

// positionKey keeps placement, side to move and castling rights so that
// transpositions and differing move counters map to the same entry.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}

func ResolveBookPath() (string, error) {
	if envPath := os.Getenv("CHESS_POLYGLOT_BOOK_PATH"); envPath != "" {
		if exists(envPath) {
			return envPath, nil
		}
		return "", fmt.Errorf("env CHESS_POLYGLOT_BOOK_PATH points to missing file: %s", envPath)
	}

	for _, candidate := range defaultBookPaths() {
		if exists(candidate) {
			return candidate, nil
		}
	}

	return "", nil
}

func defaultBookPaths() []string {
	return []string{
		filepath.Join("resources", "opening", "book.bin"),
		filepath.Join("resources", "opening", "Cerebellum3Merge.bin"),
	}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func LoadFromPath(bookPath string) (*chesslib.PolyglotBook, error) {
	if strings.TrimSpace(bookPath) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(bookPath)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", bookPath, err)
	}
	defer file.Close()

	book, err := chesslib.LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", bookPath, err)
	}
	return book, nil
}
