package update

import (
	"math"
	"sort"

	"github.com/naezzell/advmeaPMRQMC/internal/rng"
)

// metropolisRatio combines a log weight delta with a linear proposal ratio.
func metropolisRatio(logW, propRatio float64) float64 {
	if propRatio <= 0 {
		return 0
	}
	return math.Exp(logW + math.Log(propRatio))
}

func factorial(n int) float64 {
	f := 1.0
	for i := 2; i <= n; i++ {
		f *= float64(i)
	}
	return f
}

// gapShift resamples the boundary between two adjacent gaps. The proposal is
// symmetric, so the acceptance ratio is the bare weight ratio.
func (e *Engine) gapShift() {
	e.counters.GapShift.Proposed++
	q := e.ch.OpCount()
	if q < 1 {
		return
	}
	k := e.rng.Intn(q)
	total := e.ch.Gap(k) + e.ch.Gap(k+1)
	u := e.rng.UniformRange(0, total)
	d := e.ch.EvalShiftGap(k, u)
	ok := e.accept(d.LogW, 1)
	if ok {
		e.ch.ApplyShiftGap(k, u, d)
		e.counters.GapShift.Accepted++
	}
	e.trace("gap_shift", ok, d.LogW)
}

// spinFlip flips one qubit of the basis state along the whole trajectory.
// Symmetric proposal.
func (e *Engine) spinFlip() {
	e.counters.SpinFlip.Proposed++
	bit := e.rng.Intn(e.ham.NumQubits())
	d := e.ch.EvalFlipSpin(bit)
	ok := e.accept(d.LogW, 1)
	if ok {
		e.ch.ApplyFlipSpin(bit, d)
		e.counters.SpinFlip.Accepted++
	}
	e.trace("spin_flip", ok, d.LogW)
}

// pairInsert inserts one off-diagonal term twice at two sorted uniform points
// of a uniformly chosen gap. Applying the same flip mask twice keeps the net
// permutation equal to identity.
func (e *Engine) pairInsert() {
	e.counters.PairInsert.Proposed++
	m := e.ham.NumOffDiag()
	q := e.ch.OpCount()
	if m == 0 {
		return
	}
	g := e.rng.Intn(q + 1)
	tg := e.ch.Gap(g)
	if tg <= 0 {
		return
	}
	t := e.rng.Intn(m)
	u1 := e.rng.UniformRange(0, tg)
	u2 := e.rng.UniformRange(0, tg)
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	terms := []int{t, t}
	points := []float64{u1, u2}
	d, err := e.ch.EvalInsertBlock(g, terms, points)
	if err != nil {
		e.isCapacity(err)
		return
	}
	// Reverse move picks uniformly among adjacent equal pairs of the grown
	// sequence.
	after := e.pairCountAfterInsert(g, t)
	prop := float64(m) * float64(q+1) * tg * tg / (2 * float64(after))
	ok := e.accept(d.LogW, prop)
	if ok {
		e.ch.ApplyInsertBlock(g, terms, points, d)
		e.counters.PairInsert.Accepted++
	}
	e.trace("pair_insert", ok, d.LogW)
}

// pairRemove removes a uniformly chosen adjacent equal pair and merges the
// three gaps around it.
func (e *Engine) pairRemove() {
	e.counters.PairRemove.Proposed++
	pairs := e.adjacentEqualPairs()
	if len(pairs) == 0 {
		return
	}
	q := e.ch.OpCount()
	m := e.ham.NumOffDiag()
	p := pairs[e.rng.Intn(len(pairs))]
	d, err := e.ch.EvalRemoveBlock(p, 2)
	if err != nil {
		return
	}
	total := e.ch.Gap(p) + e.ch.Gap(p+1) + e.ch.Gap(p+2)
	prop := 2 * float64(len(pairs)) / (float64(m) * float64(q-1) * total * total)
	ok := e.accept(d.LogW, prop)
	if ok {
		e.ch.ApplyRemoveBlock(p, 2, d)
		e.counters.PairRemove.Accepted++
	}
	e.trace("pair_remove", ok, d.LogW)
}

// cycleInsert inserts a whole closed cycle from the table: length class drawn
// from a truncated geometric distribution, cycle uniform within the class,
// placed at sorted uniform points of one gap.
func (e *Engine) cycleInsert() {
	e.counters.CycleInsert.Proposed++
	ct := e.ham.Cycles()
	lengths := ct.Lengths()
	if len(lengths) == 0 {
		return
	}
	kIdx := e.rng.TruncGeometric(e.params.GapGamma, len(lengths))
	l := lengths[kIdx]
	pl := rng.TruncGeometricPMF(e.params.GapGamma, len(lengths), kIdx)
	cycles := ct.OfLength(l)
	cyc := cycles[e.rng.Intn(len(cycles))]

	q := e.ch.OpCount()
	g := e.rng.Intn(q + 1)
	tg := e.ch.Gap(g)
	if tg <= 0 {
		return
	}
	points := make([]float64, l)
	for i := range points {
		points[i] = e.rng.UniformRange(0, tg)
	}
	sort.Float64s(points)

	d, err := e.ch.EvalInsertBlock(g, cyc, points)
	if err != nil {
		e.isCapacity(err)
		return
	}
	blocks := e.removableBlocksAfterInsert(g, cyc)
	fwd := pl / float64(len(cycles)) / float64(q+1) * factorial(l) / math.Pow(tg, float64(l))
	prop := 1 / (float64(blocks) * fwd)
	ok := e.accept(d.LogW, prop)
	if ok {
		e.ch.ApplyInsertBlock(g, cyc, points, d)
		e.counters.CycleInsert.Accepted++
	}
	e.trace("cycle_insert", ok, d.LogW)
}

// cycleRemove removes a uniformly chosen removable block: a consecutive run
// of operators that matches a table cycle exactly.
func (e *Engine) cycleRemove() {
	e.counters.CycleRemove.Proposed++
	blocks := e.removableBlocks(e.opsSlice())
	if len(blocks) == 0 {
		return
	}
	b := blocks[e.rng.Intn(len(blocks))]
	d, err := e.ch.EvalRemoveBlock(b.pos, b.length)
	if err != nil {
		return
	}
	q := e.ch.OpCount()
	total := 0.0
	for k := b.pos; k <= b.pos+b.length; k++ {
		total += e.ch.Gap(k)
	}
	ct := e.ham.Cycles()
	lengths := ct.Lengths()
	kIdx := indexOf(lengths, b.length)
	pl := rng.TruncGeometricPMF(e.params.GapGamma, len(lengths), kIdx)
	rev := pl / float64(len(ct.OfLength(b.length))) / float64(q-b.length+1) *
		factorial(b.length) / math.Pow(total, float64(b.length))
	prop := rev * float64(len(blocks))
	ok := e.accept(d.LogW, prop)
	if ok {
		e.ch.ApplyRemoveBlock(b.pos, b.length, d)
		e.counters.CycleRemove.Accepted++
	}
	e.trace("cycle_remove", ok, d.LogW)
}

type block struct {
	pos    int
	length int
}

func (e *Engine) opsSlice() []int {
	ops := make([]int, e.ch.OpCount())
	for k := range ops {
		ops[k] = e.ch.Op(k)
	}
	return ops
}

// adjacentEqualPairs lists the positions p with ops[p] == ops[p+1].
func (e *Engine) adjacentEqualPairs() []int {
	var pairs []int
	q := e.ch.OpCount()
	for p := 0; p+1 < q; p++ {
		if e.ch.Op(p) == e.ch.Op(p+1) {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// pairCountAfterInsert counts adjacent equal pairs after inserting term t
// twice at sequence position g, without mutating the chain.
func (e *Engine) pairCountAfterInsert(g, t int) int {
	q := e.ch.OpCount()
	count := len(e.adjacentEqualPairs()) + 1 // the inserted pair itself
	if g-1 >= 0 && g < q && e.ch.Op(g-1) == e.ch.Op(g) {
		count-- // old adjacency broken by the insertion
	}
	if g-1 >= 0 && e.ch.Op(g-1) == t {
		count++
	}
	if g < q && e.ch.Op(g) == t {
		count++
	}
	return count
}

// removableBlocks scans ops for consecutive runs matching table cycles.
func (e *Engine) removableBlocks(ops []int) []block {
	ct := e.ham.Cycles()
	var blocks []block
	for _, l := range ct.Lengths() {
		for p := 0; p+l <= len(ops); p++ {
			if ct.Contains(ops[p : p+l]) {
				blocks = append(blocks, block{pos: p, length: l})
			}
		}
	}
	return blocks
}

// removableBlocksAfterInsert counts removable blocks after inserting cyc at
// sequence position g, on a scratch copy of the operator list.
func (e *Engine) removableBlocksAfterInsert(g int, cyc []int) int {
	ops := e.opsSlice()
	grown := make([]int, 0, len(ops)+len(cyc))
	grown = append(grown, ops[:g]...)
	grown = append(grown, cyc...)
	grown = append(grown, ops[g:]...)
	return len(e.removableBlocks(grown))
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
