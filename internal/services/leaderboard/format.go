package leaderboard

import (
	"fmt"
	"strings"

	"quizbot/internal/storage"
)

var medals = [...]string{"🥇", "🥈", "🥉"}

func displayName(s storage.Score) string {
	if s.FirstName != "" {
		return s.FirstName
	}
	if s.Username != "" {
		return "@" + s.Username
	}
	return fmt.Sprintf("Player %d", s.UserID)
}

// Format renders a ranked score list under a bold title, medals for the top
// three and a bullet for the rest.
func Format(title string, scores []storage.Score) string {
	var b strings.Builder
	b.WriteString("*" + title + "*\n\n")
	for i, s := range scores {
		rank := "🔸"
		if i < len(medals) {
			rank = medals[i]
		}
		fmt.Fprintf(&b, "%s %s — %d pts\n", rank, displayName(s), s.Points)
	}
	return b.String()
}
