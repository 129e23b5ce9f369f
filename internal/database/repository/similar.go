package repository

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// similarityFloor is the minimum normalized score for a row to count as a
// near duplicate.
const similarityFloor = 0.6

// FindSimilar returns persisted transactions that look like near duplicates
// of the candidate: same amount, dated within windowDays either side, with a
// normalized levenshtein similarity on the description at or above the floor.
// Exact natural-key duplicates are the domain of CheckDuplicates; this exists
// to surface re-ingested rows whose descriptions drifted between exports.
func (r *TransactionRepo) FindSimilar(ctx context.Context, candidate NewTransaction, windowDays int) ([]SimilarTransaction, error) {
	if windowDays < 0 {
		windowDays = 0
	}
	start := candidate.Date.AddDate(0, 0, -windowDays)
	end := candidate.Date.AddDate(0, 0, windowDays)

	rows, err := queryList(ctx, r.db, scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE amount_cents = ? AND date >= ? AND date <= ?`,
		candidate.AmountCents, formatDate(start), formatDate(end))
	if err != nil {
		return nil, err
	}

	var out []SimilarTransaction
	for _, t := range rows {
		score := descriptionSimilarity(candidate.Description, t.Description)
		if score >= similarityFloor {
			out = append(out, SimilarTransaction{Transaction: t, Similarity: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

func descriptionSimilarity(a, b string) float64 {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1
	}
	maxlen := len(a)
	if len(b) > maxlen {
		maxlen = len(b)
	}
	if maxlen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxlen)
}
