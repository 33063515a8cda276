package orderbook

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// better reports whether price a sorts ahead of price b on this side.
func (s Side) better(a, b float64) bool {
	if s == Bid {
		return a > b
	}
	return a < b
}

// Level is one grouped price bucket of a ladder.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Total float64 `json:"total"`
}

// Intensity scales the cumulative total against maxTotal for the depth shading.
func (l Level) Intensity(maxTotal float64) float64 {
	if maxTotal <= 0 {
		return 0
	}
	return l.Total / maxTotal
}

// Entry is a raw [price, size] pair as delivered by the venue.
type Entry struct{ Price, Size float64 }

// Snapshot replaces both sides of the book.
type Snapshot struct {
	Market string
	Bids   []Entry
	Asks   []Entry
}

// Delta carries incremental updates; entries are applied in order.
type Delta struct {
	Market string
	Bids   []Entry
	Asks   []Entry
}

// Book holds both ladders of one market at one group size.
type Book struct {
	Market    string
	GroupSize float64
	Bids      Ladder // sorted desc by price
	Asks      Ladder // sorted asc by price
}

func NewBook(market string, group float64) Book {
	return Book{Market: market, GroupSize: group, Bids: NewLadder(Bid), Asks: NewLadder(Ask)}
}

// ApplySnapshot rebuilds both ladders from scratch.
func (b Book) ApplySnapshot(s Snapshot) Book {
	b.Bids = Build(Bid, s.Bids, b.GroupSize)
	b.Asks = Build(Ask, s.Asks, b.GroupSize)
	return b
}

// ApplyDelta applies bid entries then ask entries, each in delivery order.
func (b Book) ApplyDelta(d Delta) Book {
	for _, e := range d.Bids {
		b.Bids = b.Bids.Apply(e.Price, e.Size, b.GroupSize)
	}
	for _, e := range d.Asks {
		b.Asks = b.Asks.Apply(e.Price, e.Size, b.GroupSize)
	}
	return b
}

// MaxTotal is the larger of the two ladders' cumulative depth, 0 for empty sides.
func (b Book) MaxTotal() float64 {
	return max(b.Bids.Depth(), b.Asks.Depth())
}

// Spread is best ask minus best bid; ok is false when either side is empty.
func (b Book) Spread() (spread float64, ok bool) {
	bid, okB := b.Bids.Best()
	ask, okA := b.Asks.Best()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}
