package evolver

import (
	"github.com/autobotq/autobot/internal/template"
)

// mutationRate is the independent per-field chance a mutation touches a field.
const mutationRate = 0.8

// mutate derives one child from a parent by light multi-point mutation. The
// child keeps the parent's side; each filter field mutates independently.
func (e *Evolver) mutate(p template.Template) template.Template {
	f := p.Filters
	if e.rng.Float64() < mutationRate {
		f.RSI = e.mutateSet(f.RSI, template.RSIUniverse)
	}
	if e.rng.Float64() < mutationRate {
		f.MACD = e.mutateSet(f.MACD, template.MACDUniverse)
	}
	if e.rng.Float64() < mutationRate {
		f.KD = e.mutateSet(f.KD, template.KDUniverse)
	}
	if e.rng.Float64() < mutationRate {
		f.Vol = e.mutateSet(f.Vol, template.VolUniverse)
	}
	return template.Template{
		Side:    p.Side,
		Filters: f,
		Status:  template.StatusActive,
	}
}

// mutateSet perturbs one filter field: a wildcard gains 1-2 random labels;
// a concrete set either narrows (drop one label, only while more than one
// remains) or widens (add one absent label, no-op when the universe is
// exhausted), 50/50.
func (e *Evolver) mutateSet(cur template.FilterSet, universe []string) template.FilterSet {
	if cur.IsWildcard() {
		k := 1 + e.rng.Intn(2)
		if k > len(universe) {
			k = len(universe)
		}
		perm := e.rng.Perm(len(universe))
		out := make(template.FilterSet, 0, k)
		for _, idx := range perm[:k] {
			out = append(out, universe[idx])
		}
		return out.Canonical()
	}

	if e.rng.Float64() < 0.5 && len(cur) > 1 {
		drop := e.rng.Intn(len(cur))
		out := make(template.FilterSet, 0, len(cur)-1)
		out = append(out, cur[:drop]...)
		out = append(out, cur[drop+1:]...)
		return out.Canonical()
	}

	var absent []string
	for _, u := range universe {
		if !cur.Contains(u) {
			absent = append(absent, u)
		}
	}
	if len(absent) == 0 {
		return cur.Canonical()
	}
	out := make(template.FilterSet, 0, len(cur)+1)
	out = append(out, cur...)
	out = append(out, absent[e.rng.Intn(len(absent))])
	return out.Canonical()
}

// crossover derives one child from two parents: the side is a coin flip, each
// field is combined by crossField.
func (e *Evolver) crossover(pa, pb template.Template) template.Template {
	side := pa.Side
	if e.rng.Float64() < 0.5 {
		side = pb.Side
	}
	return template.Template{
		Side: side,
		Filters: template.Filters{
			RSI:  e.crossField(pa.Filters.RSI, pb.Filters.RSI),
			MACD: e.crossField(pa.Filters.MACD, pb.Filters.MACD),
			KD:   e.crossField(pa.Filters.KD, pb.Filters.KD),
			Vol:  e.crossField(pa.Filters.Vol, pb.Filters.Vol),
		},
		Status: template.StatusActive,
	}
}

// crossField combines one field of two parents. Both wildcard stays wildcard.
// Otherwise 70% union of both label sets (exploration); else pick one parent
// at random and, if it carries more than one label, 50% shrink to a single
// random label (exploitation with noise).
func (e *Evolver) crossField(a, b template.FilterSet) template.FilterSet {
	if a.IsWildcard() && b.IsWildcard() {
		return nil
	}

	if e.rng.Float64() < 0.7 {
		out := make(template.FilterSet, 0, len(a)+len(b))
		out = append(out, a...)
		out = append(out, b...)
		return out.Canonical()
	}

	pick := a
	if e.rng.Float64() < 0.5 {
		pick = b
	}
	if pick.IsWildcard() {
		return nil
	}
	if len(pick) > 1 && e.rng.Float64() < 0.5 {
		return template.FilterSet{pick[e.rng.Intn(len(pick))]}
	}
	return pick.Canonical()
}
