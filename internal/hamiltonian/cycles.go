package hamiltonian

import (
	"sort"
	"strconv"
	"strings"
)

// CycleTable holds every known closed cycle: a sequence of off-diagonal term
// indices whose combined flip masks XOR to zero. Inserting such a sequence
// into a configuration leaves the net permutation equal to identity. The
// table is built once and is read-only during sampling.
type CycleTable struct {
	lengths []int
	byLen   map[int][][]int
	member  map[string]bool
	byTerm  map[int][][]int
}

func newCycleTable() *CycleTable {
	return &CycleTable{
		byLen:  make(map[int][][]int),
		member: make(map[string]bool),
		byTerm: make(map[int][][]int),
	}
}

func cycleKey(seq []int) string {
	var b strings.Builder
	for i, v := range seq {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

func (ct *CycleTable) add(seq []int) {
	key := cycleKey(seq)
	if ct.member[key] {
		return
	}
	ct.member[key] = true
	ct.byLen[len(seq)] = append(ct.byLen[len(seq)], seq)
	seen := make(map[int]bool, len(seq))
	for _, i := range seq {
		if !seen[i] {
			seen[i] = true
			ct.byTerm[i] = append(ct.byTerm[i], seq)
		}
	}
}

func (ct *CycleTable) finish() {
	for l := range ct.byLen {
		ct.lengths = append(ct.lengths, l)
	}
	sort.Ints(ct.lengths)
}

// Lengths returns the distinct cycle lengths present, ascending.
func (ct *CycleTable) Lengths() []int { return ct.lengths }

// OfLength returns all cycles of the given length.
func (ct *CycleTable) OfLength(l int) [][]int { return ct.byLen[l] }

// Count returns the total number of cycles in the table.
func (ct *CycleTable) Count() int { return len(ct.member) }

// Contains reports whether the exact ordered sequence is a known cycle.
func (ct *CycleTable) Contains(seq []int) bool { return ct.member[cycleKey(seq)] }

// Completions returns the cycles involving the given term index: the
// candidate sub-sequences that can close a cycle through that term.
func (ct *CycleTable) Completions(term int) [][]int { return ct.byTerm[term] }

// buildCycles enumerates closed cycles over the off-diagonal terms.
//
// Restrictive search keeps only length-2 cycles (pairs of terms with equal
// flip masks, including a term paired with itself). Exhaustive search also
// enumerates length-3 cycles directly and length-4 cycles by combining pairs
// with matching XOR, up to opts.MaxCycleLen. Cycles are stored in canonical
// (sorted index) order; the update engine inserts and removes them in that
// order.
func buildCycles(off []Term, opts Options) *CycleTable {
	ct := newCycleTable()

	byMask := make(map[uint64][]int)
	for i, t := range off {
		byMask[t.Flip] = append(byMask[t.Flip], i)
	}

	// Length 2: equal flip masks.
	for _, group := range byMask {
		for a := 0; a < len(group); a++ {
			for b := a; b < len(group); b++ {
				ct.add([]int{group[a], group[b]})
			}
		}
	}

	if opts.CycleSearch == CycleExhaustive {
		if opts.MaxCycleLen >= 3 {
			for i := 0; i < len(off); i++ {
				for j := i; j < len(off); j++ {
					x := off[i].Flip ^ off[j].Flip
					for _, k := range byMask[x] {
						if k >= j {
							ct.add([]int{i, j, k})
						}
					}
				}
			}
		}
		if opts.MaxCycleLen >= 4 {
			// Meet in the middle: two pairs with equal XOR cancel.
			pairs := make(map[uint64][][2]int)
			for i := 0; i < len(off); i++ {
				for j := i; j < len(off); j++ {
					x := off[i].Flip ^ off[j].Flip
					pairs[x] = append(pairs[x], [2]int{i, j})
				}
			}
			for _, ps := range pairs {
				for a := 0; a < len(ps); a++ {
					for b := a; b < len(ps); b++ {
						seq := []int{ps[a][0], ps[a][1], ps[b][0], ps[b][1]}
						sort.Ints(seq)
						ct.add(seq)
					}
				}
			}
		}
	}

	ct.finish()
	return ct
}
