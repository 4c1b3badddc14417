package uci

import (
	"strconv"
	"strings"
)

// parseScore extracts "score cp N" or "score mate N" from an info line.
// Mate scores saturate at ±mateScore; "mate 0" means the side to move is mated.
func parseScore(line string, mateScore int) (int, bool) {
	parts := strings.Fields(line)
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "score" {
			continue
		}
		v, err := strconv.Atoi(parts[i+2])
		if err != nil {
			return 0, false
		}
		switch parts[i+1] {
		case "cp":
			return v, true
		case "mate":
			if v > 0 {
				return mateScore, true
			}
			return -mateScore, true
		}
		return 0, false
	}
	return 0, false
}

func parseBestMove(line string) (string, bool) {
	if !strings.HasPrefix(line, "bestmove") {
		return "", false
	}
	parts := strings.Fields(line)
	if parts[0] != "bestmove" {
		return "", false
	}
	if len(parts) < 2 {
		return "", true
	}
	move := parts[1]
	if move == "(none)" || move == "0000" {
		return "", true
	}
	return move, true
}
