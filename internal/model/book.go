package model

import "sort"

// Orderbook is an in-memory L2 book built by replaying a snapshot and its
// deltas in sequence order. Levels whose quantity nets to zero are pruned.
type Orderbook struct {
	Ticker string
	Seq    int64

	yes map[int]int
	no  map[int]int
}

// BookFromSnapshot seeds a book from a full snapshot.
func BookFromSnapshot(s OrderbookSnapshot) *Orderbook {
	b := &Orderbook{
		Ticker: s.Ticker,
		Seq:    s.Seq,
		yes:    make(map[int]int, len(s.Yes)),
		no:     make(map[int]int, len(s.No)),
	}
	for _, l := range s.Yes {
		if l.Quantity != 0 {
			b.yes[l.PriceCents] = l.Quantity
		}
	}
	for _, l := range s.No {
		if l.Quantity != 0 {
			b.no[l.PriceCents] = l.Quantity
		}
	}
	return b
}

// Apply folds a single delta into the book.
func (b *Orderbook) Apply(d OrderbookDelta) {
	side := b.yes
	if d.Side == SideNo {
		side = b.no
	}

	q := side[d.PriceCents] + d.Delta
	if q <= 0 {
		delete(side, d.PriceCents)
	} else {
		side[d.PriceCents] = q
	}
	b.Seq = d.Seq
}

// Levels returns the requested side sorted by ascending price.
func (b *Orderbook) Levels(side string) []PriceLevel {
	m := b.yes
	if side == SideNo {
		m = b.no
	}

	out := make([]PriceLevel, 0, len(m))
	for price, qty := range m {
		out = append(out, PriceLevel{PriceCents: price, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}
