package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Bucket floors price to a multiple of group. Decimal arithmetic keeps
// buckets such as 0.05 exact; a non-positive group leaves the price as is.
func Bucket(price, group float64) float64 {
	if group <= 0 {
		return price
	}
	g := decimal.NewFromFloat(group)
	f, _ := decimal.NewFromFloat(price).Div(g).Floor().Mul(g).Float64()
	return f
}

// Ladder is one side of the book as grouped levels with cumulative totals.
// A Ladder is a value: Apply returns a new ladder and never touches the receiver.
type Ladder struct {
	side   Side
	levels []Level
}

func NewLadder(side Side) Ladder { return Ladder{side: side} }

// Build groups snapshot entries into a fresh ladder. Zero-size entries are skipped.
func Build(side Side, entries []Entry, group float64) Ladder {
	idx := make(map[float64]int, len(entries))
	levels := make([]Level, 0, len(entries))
	for _, e := range entries {
		if e.Size == 0 {
			continue
		}
		p := Bucket(e.Price, group)
		if i, ok := idx[p]; ok {
			levels[i].Size += e.Size
			continue
		}
		idx[p] = len(levels)
		levels = append(levels, Level{Price: p, Size: e.Size})
	}
	l := Ladder{side: side, levels: levels}
	l.sortAndTotal()
	return l
}

func (l Ladder) Len() int { return len(l.levels) }

// Levels returns a copy in side order.
func (l Ladder) Levels() []Level {
	out := make([]Level, len(l.levels))
	copy(out, l.levels)
	return out
}

// Level looks up the bucket at an already grouped price.
func (l Ladder) Level(price float64) (Level, bool) {
	if i := l.find(price); i >= 0 {
		return l.levels[i], true
	}
	return Level{}, false
}

// Best is the first level: highest bid or lowest ask.
func (l Ladder) Best() (Level, bool) {
	if len(l.levels) == 0 {
		return Level{}, false
	}
	return l.levels[0], true
}

// Depth is the total of the last level, or 0 when empty.
func (l Ladder) Depth() float64 {
	if len(l.levels) == 0 {
		return 0
	}
	return l.levels[len(l.levels)-1].Total
}

// Apply folds one raw price/size update into the ladder.
//
// A zero size removes the whole bucket. Any other size is added to the
// bucket's current size (or starts a new bucket). A bucket whose size nets
// to zero through addition stays in the ladder until an explicit zero arrives.
func (l Ladder) Apply(price, size, group float64) Ladder {
	p := Bucket(price, group)
	next := Ladder{side: l.side, levels: make([]Level, 0, len(l.levels)+1)}
	if size == 0 {
		for _, lv := range l.levels {
			if lv.Price != p {
				next.levels = append(next.levels, lv)
			}
		}
		next.recomputeTotals()
		return next
	}
	next.levels = append(next.levels, l.levels...)
	if i := next.find(p); i >= 0 {
		next.levels[i].Size += size
	} else {
		next.levels = append(next.levels, Level{Price: p, Size: size})
	}
	next.sortAndTotal()
	return next
}

func (l Ladder) find(price float64) int {
	for i := range l.levels {
		if l.levels[i].Price == price {
			return i
		}
	}
	return -1
}

func (l *Ladder) sortAndTotal() {
	sort.SliceStable(l.levels, func(i, j int) bool {
		return l.side.better(l.levels[i].Price, l.levels[j].Price)
	})
	l.recomputeTotals()
}

func (l *Ladder) recomputeTotals() {
	var total float64
	for i := range l.levels {
		total += l.levels[i].Size
		l.levels[i].Total = total
	}
}
