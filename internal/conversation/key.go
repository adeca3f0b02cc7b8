package conversation

import (
	"encoding/hex"
	"sort"
	"strings"

	"gigchat/internal/apperr"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrTooFewParticipants = apperr.Validation("a conversation needs at least two distinct participants")
	ErrEmptyParticipant   = apperr.Validation("participant id must not be empty")
)

// Normalize trims, de-duplicates and sorts a participant set.
func Normalize(participants []string) ([]string, error) {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, ErrEmptyParticipant
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil, ErrTooFewParticipants
	}
	sort.Strings(out)
	return out, nil
}

// ParticipantKey is the unique identity of an unordered participant set.
// Input must already be normalized.
func ParticipantKey(normalized []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(normalized, "\x1f")))
	return hex.EncodeToString(sum[:])
}
