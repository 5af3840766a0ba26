package orderbook

// journal records level writes of an in-flight delta batch so a failed batch
// can be rolled back without leaving partially applied entries behind.
type journal struct {
	bestBid int
	bestAsk int
	valid   bool
	writes  []undo
}

type undo struct {
	side Side
	idx  int
	prev Quote
}

func (j *journal) begin(bestBid, bestAsk int, valid bool) {
	j.bestBid = bestBid
	j.bestAsk = bestAsk
	j.valid = valid
	j.writes = j.writes[:0]
}

func (j *journal) record(side Side, idx int, prev Quote) {
	j.writes = append(j.writes, undo{side: side, idx: idx, prev: prev})
}

// rollback restores the book to the state captured by begin.
func (j *journal) rollback(ob *OrderBook) {
	for i := len(j.writes) - 1; i >= 0; i-- {
		w := j.writes[i]
		ob.ladder(w.side).set(w.idx, w.prev)
	}
	ob.bestBid = j.bestBid
	ob.bestAsk = j.bestAsk
	ob.valid = j.valid
	j.writes = j.writes[:0]
}
