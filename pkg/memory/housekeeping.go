package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/embedders"
	"github.com/duskpoint/reverie/pkg/errs"
)

// protectedImportance exempts memories from age and inactivity pruning.
const protectedImportance = 0.7

// Policy configures one housekeeping run. Nil pointers leave a dimension
// inactive.
type Policy struct {
	MaxMemories       *int
	MaxAgeMonths      *int
	MaxInactiveMonths *int
	MinImportance     *float64
	MergeSimilar      bool
	MergeThreshold    float64
}

// Report summarizes what a run did, or in preview mode, would do.
type Report struct {
	TotalBefore int
	TotalAfter  int
	Kept        int
	DeletedIDs  []string
	MergedIDs   []string
	// Rationale maps a memory id to why it was (or would be) removed.
	// Populated in preview mode.
	Rationale map[string]string
}

// Run executes housekeeping for one character. With apply=false nothing is
// written; the report carries per-memory rationale instead. Phases run
// merge first, then deletions, so merged survivors are counted against the
// deletion policies.
func (e *Engine) Run(ctx context.Context, userID, characterID string, policy Policy, apply bool) (*Report, error) {
	if policy.MergeSimilar {
		if policy.MergeThreshold == 0 {
			policy.MergeThreshold = 0.95
		}
		if policy.MergeThreshold < 0.8 || policy.MergeThreshold > 1.0 {
			return nil, errs.Validation("merge threshold must be in [0.8, 1.0]", "mergeThreshold")
		}
	}

	all, err := e.memories.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	var memories []*domain.Memory
	for _, m := range all {
		if m.CharacterID == characterID {
			memories = append(memories, m)
		}
	}

	report := &Report{TotalBefore: len(memories), Rationale: make(map[string]string)}

	if policy.MergeSimilar {
		memories, err = e.mergePhase(ctx, userID, characterID, memories, policy.MergeThreshold, apply, report)
		if err != nil {
			return nil, err
		}
	}

	memories, err = e.deletePhase(ctx, userID, characterID, memories, policy, apply, report)
	if err != nil {
		return nil, err
	}

	report.Kept = len(memories)
	report.TotalAfter = len(memories)
	return report, nil
}

// mergePhase folds near-duplicate pairs together. The survivor takes the
// longer content, the max importance, the keyword union and the earlier
// createdAt; the loser is deleted.
func (e *Engine) mergePhase(ctx context.Context, userID, characterID string, memories []*domain.Memory, threshold float64, apply bool, report *Report) ([]*domain.Memory, error) {
	vectors := e.embedAll(ctx, userID, memories)

	removed := make(map[string]bool)
	for i := 0; i < len(memories); i++ {
		if removed[memories[i].ID] {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			if removed[memories[j].ID] {
				continue
			}

			sim := pairSimilarity(memories[i], memories[j], vectors)
			if sim < threshold {
				continue
			}

			winner, loser := memories[i], memories[j]
			merged := mergeInto(winner, loser)
			removed[loser.ID] = true
			report.MergedIDs = append(report.MergedIDs, loser.ID)
			if !apply {
				report.Rationale[loser.ID] = fmt.Sprintf("merge into %s (similarity %.3f)", winner.ID, sim)
				continue
			}
			report.DeletedIDs = append(report.DeletedIDs, loser.ID)

			if err := e.memories.Update(ctx, userID, merged); err != nil {
				return nil, err
			}
			if err := e.Delete(ctx, userID, characterID, loser.ID); err != nil {
				return nil, err
			}
			memories[i] = merged
		}
	}

	kept := memories[:0]
	for _, m := range memories {
		if !removed[m.ID] {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// embedAll best-effort embeds every memory's content. Missing vectors fall
// back to text similarity in pairSimilarity.
func (e *Engine) embedAll(ctx context.Context, userID string, memories []*domain.Memory) map[string][]float32 {
	vectors := make(map[string][]float32, len(memories))
	for _, m := range memories {
		vec, err := e.embed.Embed(ctx, userID, m.Content)
		if err != nil {
			continue
		}
		vectors[m.ID] = vec
	}
	return vectors
}

func pairSimilarity(a, b *domain.Memory, vectors map[string][]float32) float64 {
	va, okA := vectors[a.ID]
	vb, okB := vectors[b.ID]
	if okA && okB {
		if sim, err := embedders.Cosine(va, vb); err == nil {
			return sim
		}
	}
	return embedders.TextSimilarity(a.Content, b.Content)
}

func mergeInto(winner, loser *domain.Memory) *domain.Memory {
	if len(loser.Content) > len(winner.Content) {
		winner.Content = loser.Content
	}
	if loser.Importance > winner.Importance {
		winner.Importance = loser.Importance
	}
	winner.Keywords = unionKeywords(winner.Keywords, loser.Keywords)
	if !loser.CreatedAt.IsZero() && loser.CreatedAt.Before(winner.CreatedAt) {
		winner.CreatedAt = loser.CreatedAt
	}
	return winner
}

func unionKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func (e *Engine) deletePhase(ctx context.Context, userID, characterID string, memories []*domain.Memory, policy Policy, apply bool, report *Report) ([]*domain.Memory, error) {
	now := domain.Now()
	doomed := make(map[string]string)

	for _, m := range memories {
		switch {
		case policy.MinImportance != nil && m.Importance < *policy.MinImportance:
			doomed[m.ID] = fmt.Sprintf("importance %.2f below minimum %.2f", m.Importance, *policy.MinImportance)
		case policy.MaxAgeMonths != nil && m.Importance < protectedImportance &&
			monthsBetween(m.CreatedAt, now) > *policy.MaxAgeMonths:
			doomed[m.ID] = fmt.Sprintf("older than %d months", *policy.MaxAgeMonths)
		case policy.MaxInactiveMonths != nil && m.Importance < protectedImportance &&
			monthsBetween(m.LastAccessedAt, now) > *policy.MaxInactiveMonths:
			doomed[m.ID] = fmt.Sprintf("not accessed in %d months", *policy.MaxInactiveMonths)
		}
	}

	if policy.MaxMemories != nil {
		survivors := make([]*domain.Memory, 0, len(memories))
		for _, m := range memories {
			if _, gone := doomed[m.ID]; !gone {
				survivors = append(survivors, m)
			}
		}
		if overflow := len(survivors) - *policy.MaxMemories; overflow > 0 {
			// Lowest importance first, then oldest, then least recently
			// accessed.
			sort.Slice(survivors, func(i, j int) bool {
				a, b := survivors[i], survivors[j]
				if a.Importance != b.Importance {
					return a.Importance < b.Importance
				}
				if !a.CreatedAt.Equal(b.CreatedAt) {
					return a.CreatedAt.Before(b.CreatedAt)
				}
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			})
			for _, m := range survivors[:overflow] {
				doomed[m.ID] = fmt.Sprintf("over capacity %d", *policy.MaxMemories)
			}
		}
	}

	kept := make([]*domain.Memory, 0, len(memories))
	for _, m := range memories {
		reason, gone := doomed[m.ID]
		if !gone {
			kept = append(kept, m)
			continue
		}
		report.DeletedIDs = append(report.DeletedIDs, m.ID)
		if !apply {
			report.Rationale[m.ID] = reason
			continue
		}
		if err := e.Delete(ctx, userID, characterID, m.ID); err != nil {
			return nil, err
		}
	}
	sort.Strings(report.DeletedIDs)
	return kept, nil
}

func monthsBetween(from, to time.Time) int {
	if from.IsZero() || !from.Before(to) {
		return 0
	}
	months := int(to.Sub(from).Hours() / 24 / 30)
	return months
}
