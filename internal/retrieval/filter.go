package retrieval

import "sort"

// ScoredChunk is a CandidateChunk annotated with its final rank after score
// filtering. Derived, never persisted.
type ScoredChunk struct {
	CandidateChunk
	Rank int // 1-based position after filtering
}

// ApplyScoreFilter discards candidates scoring below minScore and caps the
// remainder at topK. Pure function, no I/O. Ordering is reproducible for
// identical candidate sets: score descending, ties broken by document ID
// then chunk index.
func ApplyScoreFilter(candidates []CandidateChunk, minScore float64, topK int) []ScoredChunk {
	survivors := make([]CandidateChunk, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= minScore {
			survivors = append(survivors, c)
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})

	if topK >= 0 && len(survivors) > topK {
		survivors = survivors[:topK]
	}

	scored := make([]ScoredChunk, len(survivors))
	for i, c := range survivors {
		scored[i] = ScoredChunk{CandidateChunk: c, Rank: i + 1}
	}
	return scored
}

// TopScore returns the highest score in the scored sequence, or 0 when empty.
func TopScore(chunks []ScoredChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	top := chunks[0].Score
	for _, c := range chunks[1:] {
		if c.Score > top {
			top = c.Score
		}
	}
	return top
}
