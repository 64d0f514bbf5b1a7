package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ae-signal-engine/internal/domain"
)

const ageTolerance = 0.5

// DuplicateDetector finds advisory duplicate groups over a whole case set.
// It never modifies the cases it inspects.
type DuplicateDetector struct {
	cfg domain.DuplicateConfig
}

// NewDuplicateDetector creates a detector for the given configuration.
func NewDuplicateDetector(cfg domain.DuplicateConfig) *DuplicateDetector {
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = 5000
	}
	return &DuplicateDetector{cfg: cfg}
}

type dupCase struct {
	rec         *domain.CaseRecord
	fingerprint string
	drugs       []string
}

type pairKey struct{ a, b int }

// Detect groups exact and fuzzy duplicates. Exact duplicates share an
// identical (age, sex, drugs, reactions, country, outcomes) tuple. Fuzzy
// candidates are compared only within blocks of cases sharing a reaction
// term. Groups are the transitive closure of all matches. Cancellation is
// checked between blocks; the groups found so far are returned with Partial
// set and an error wrapping ErrCancellationRequested.
func (d *DuplicateDetector) Detect(ctx context.Context, cases []domain.CaseRecord) (*domain.DuplicateResult, error) {
	items := make([]dupCase, len(cases))
	for i := range cases {
		items[i] = dupCase{rec: &cases[i], drugs: cases[i].DrugNames(false)}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].rec.CaseID < items[j].rec.CaseID })
	for i := range items {
		items[i].fingerprint = fingerprint(items[i].rec, items[i].drugs)
	}

	res := &domain.DuplicateResult{Groups: []domain.DuplicateGroup{}, Threshold: d.cfg.Threshold}
	uf := newUnionFind(len(items))
	var pairs []domain.DuplicatePair

	exact := make(map[string][]int)
	for i, it := range items {
		exact[it.fingerprint] = append(exact[it.fingerprint], i)
	}
	for _, members := range exact {
		for _, m := range members[1:] {
			uf.union(members[0], m)
			pairs = append(pairs, domain.DuplicatePair{
				CaseA:      items[members[0]].rec.CaseID,
				CaseB:      items[m].rec.CaseID,
				Similarity: 1,
				Exact:      true,
			})
		}
	}

	visited := make(map[pairKey]struct{})
	var cancelErr error
	for _, block := range d.blocks(items, res) {
		if err := ctx.Err(); err != nil {
			cancelErr = domain.CancelledError(err)
			res.Partial = true
			break
		}
		for x := 0; x < len(block); x++ {
			for y := x + 1; y < len(block); y++ {
				i, j := block[x], block[y]
				if items[i].fingerprint == items[j].fingerprint {
					continue
				}
				pk := pairKey{i, j}
				if _, ok := visited[pk]; ok {
					continue
				}
				visited[pk] = struct{}{}
				res.PairsCompared++

				sim := similarity(d.cfg.Weights, items[i], items[j])
				if sim >= d.cfg.Threshold {
					uf.union(i, j)
					pairs = append(pairs, domain.DuplicatePair{
						CaseA:      items[i].rec.CaseID,
						CaseB:      items[j].rec.CaseID,
						Similarity: sim,
					})
				}
			}
		}
	}

	res.Groups = buildGroups(items, uf, pairs)
	return res, cancelErr
}

// blocks returns candidate blocks of item indices, each sorted ascending.
// Cases are blocked by reaction term; a block above the size limit is split
// by drug name, and a sub-block still above the limit is skipped and counted.
func (d *DuplicateDetector) blocks(items []dupCase, res *domain.DuplicateResult) [][]int {
	byReaction := make(map[string][]int)
	for i, it := range items {
		for _, r := range it.rec.Reactions {
			byReaction[r] = append(byReaction[r], i)
		}
	}

	var out [][]int
	for _, reaction := range sortedBlockKeys(byReaction) {
		block := byReaction[reaction]
		if len(block) < 2 {
			continue
		}
		if len(block) <= d.cfg.MaxBlockSize {
			out = append(out, block)
			continue
		}
		byDrug := make(map[string][]int)
		for _, i := range block {
			for _, drug := range items[i].drugs {
				byDrug[drug] = append(byDrug[drug], i)
			}
		}
		for _, drug := range sortedBlockKeys(byDrug) {
			sub := byDrug[drug]
			switch {
			case len(sub) < 2:
			case len(sub) > d.cfg.MaxBlockSize:
				res.BlocksSkipped++
			default:
				out = append(out, sub)
			}
		}
	}
	return out
}

func sortedBlockKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Similarity scores two cases in [0, 1]: exact match on demographics and
// Jaccard overlap on drug, reaction and outcome sets, weighted per field.
func Similarity(w domain.DuplicateFieldWeights, a, b *domain.CaseRecord) float64 {
	return similarity(w, dupCase{rec: a, drugs: a.DrugNames(false)}, dupCase{rec: b, drugs: b.DrugNames(false)})
}

func similarity(w domain.DuplicateFieldWeights, a, b dupCase) float64 {
	total := w.Age + w.Sex + w.Country + w.Drugs + w.Reactions + w.Outcomes
	if total <= 0 {
		return 0
	}
	score := w.Age*ageMatch(a.rec.AgeYears, b.rec.AgeYears) +
		w.Sex*boolScore(a.rec.Sex == b.rec.Sex) +
		w.Country*boolScore(strings.EqualFold(a.rec.Country, b.rec.Country)) +
		w.Drugs*jaccard(a.drugs, b.drugs) +
		w.Reactions*jaccard(a.rec.Reactions, b.rec.Reactions) +
		w.Outcomes*jaccard(outcomeStrings(a.rec.Outcomes), outcomeStrings(b.rec.Outcomes))
	return score / total
}

func ageMatch(a, b *float64) float64 {
	switch {
	case a == nil && b == nil:
		return 1
	case a == nil || b == nil:
		return 0
	default:
		return boolScore(math.Abs(*a-*b) <= ageTolerance)
	}
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// jaccard computes |a∩b| / |a∪b| over sorted distinct sets. Two empty sets
// are identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func outcomeStrings(flags []domain.OutcomeFlag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	sort.Strings(out)
	return out
}

func fingerprint(c *domain.CaseRecord, drugs []string) string {
	age := "-"
	if c.AgeYears != nil {
		age = strconv.FormatFloat(*c.AgeYears, 'f', 2, 64)
	}
	parts := []string{
		age,
		string(c.Sex),
		strings.Join(drugs, "\x1e"),
		strings.Join(c.Reactions, "\x1e"),
		strings.ToUpper(c.Country),
		strings.Join(outcomeStrings(c.Outcomes), "\x1e"),
	}
	return strings.Join(parts, "\x1f")
}

// buildGroups turns the union-find components of size > 1 into groups,
// ordered by their first case id.
func buildGroups(items []dupCase, uf *unionFind, pairs []domain.DuplicatePair) []domain.DuplicateGroup {
	index := make(map[string]int, len(items))
	members := make(map[int][]int)
	for i, it := range items {
		index[it.rec.CaseID] = i
		root := uf.find(i)
		members[root] = append(members[root], i)
	}

	pairsByRoot := make(map[int][]domain.DuplicatePair)
	for _, p := range pairs {
		root := uf.find(index[p.CaseA])
		pairsByRoot[root] = append(pairsByRoot[root], p)
	}

	groups := []domain.DuplicateGroup{}
	for root, m := range members {
		if len(m) < 2 {
			continue
		}
		g := domain.DuplicateGroup{
			CaseIDs:    make([]string, len(m)),
			Similarity: 1,
			Kind:       domain.DuplicateExact,
			Pairs:      pairsByRoot[root],
		}
		for i, idx := range m {
			g.CaseIDs[i] = items[idx].rec.CaseID
			if items[idx].fingerprint != items[m[0]].fingerprint {
				g.Kind = domain.DuplicateFuzzy
			}
		}
		for _, p := range g.Pairs {
			g.Similarity = math.Min(g.Similarity, p.Similarity)
		}
		sort.Slice(g.Pairs, func(i, j int) bool {
			if g.Pairs[i].CaseA != g.Pairs[j].CaseA {
				return g.Pairs[i].CaseA < g.Pairs[j].CaseA
			}
			return g.Pairs[i].CaseB < g.Pairs[j].CaseB
		})
		g.GroupID = groupID(g.CaseIDs)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CaseIDs[0] < groups[j].CaseIDs[0] })
	return groups
}

func groupID(caseIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(caseIDs, "\x00")))
	return "dg-" + hex.EncodeToString(sum[:6])
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
