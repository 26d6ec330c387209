package hostapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// resolveThreshold is the minimum Jaro-Winkler score for a spoken name to be
// accepted as a match for an entity's friendly name.
const resolveThreshold = 0.85

// Resolve maps a spoken entity name ("kitchen light") to an entity id. Exact
// entity-id and friendly-name matches win; otherwise the best Jaro-Winkler
// score across friendly names decides, provided it clears the threshold.
// An optional domain restricts candidates ("light", "switch", ...).
func (c *Client) Resolve(ctx context.Context, name, domain string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("hostapi: resolve: empty name")
	}

	states, err := c.States(ctx)
	if err != nil {
		return "", fmt.Errorf("hostapi: resolve %q: %w", name, err)
	}

	nameLower := strings.ToLower(name)
	var bestID string
	var bestScore float64
	for _, s := range states {
		if domain != "" && !strings.HasPrefix(s.EntityID, domain+".") {
			continue
		}
		if s.EntityID == name {
			return s.EntityID, nil
		}
		friendly := strings.ToLower(s.FriendlyName())
		if friendly == nameLower {
			return s.EntityID, nil
		}
		if score := similarity(nameLower, friendly); score > bestScore {
			bestScore = score
			bestID = s.EntityID
		}
	}

	if bestScore < resolveThreshold {
		return "", fmt.Errorf("hostapi: no entity matches %q (best score %.2f)", name, bestScore)
	}
	return bestID, nil
}

// similarity is the best Jaro-Winkler score across full strings, the
// space-stripped forms, and pairwise tokens. Token pairs handle the common
// case of one spoken word matching one word of a multi-word friendly name.
func similarity(a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)

	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
