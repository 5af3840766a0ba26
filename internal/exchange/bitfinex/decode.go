package bitfinex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fastbook/internal/orderbook"
)

// ErrMalformedFrame is returned for array frames that do not follow the book channel layout.
var ErrMalformedFrame = errors.New("malformed book frame")

type frameKind int

const (
	frameHeartbeat frameKind = iota
	frameChecksum
	frameSnapshot
	frameUpdate
)

// frame is one decoded channel message: [chanId, payload, (timestamp)].
type frame struct {
	ChanID    int64
	Kind      frameKind
	Entries   []orderbook.Entry
	Timestamp time.Time
}

func parseFrame(data []byte) (*frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(raw))
	}

	f := &frame{}
	if err := json.Unmarshal(raw[0], &f.ChanID); err != nil {
		return nil, fmt.Errorf("%w: channel id: %v", ErrMalformedFrame, err)
	}

	payload := bytes.TrimSpace(raw[1])
	rest := raw[2:]
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	switch payload[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(payload, &tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		switch tag {
		case "hb":
			f.Kind = frameHeartbeat
		case "cs":
			f.Kind = frameChecksum
			if len(rest) > 0 {
				rest = rest[1:]
			}
		default:
			return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformedFrame, tag)
		}
	case '[':
		entries, snapshot, err := parseRows(payload)
		if err != nil {
			return nil, err
		}
		f.Entries = entries
		f.Kind = frameUpdate
		if snapshot {
			f.Kind = frameSnapshot
		}
	default:
		return nil, fmt.Errorf("%w: unexpected payload %q", ErrMalformedFrame, payload)
	}

	if len(rest) > 0 {
		var ms int64
		if err := json.Unmarshal(rest[len(rest)-1], &ms); err == nil && ms > 0 {
			f.Timestamp = time.UnixMilli(ms)
		}
	}
	return f, nil
}

// parseRows decodes either a list of [price, count, amount] rows (snapshot)
// or a single row (update).
func parseRows(payload []byte) ([]orderbook.Entry, bool, error) {
	var rows [][]float64
	if err := json.Unmarshal(payload, &rows); err == nil {
		entries := make([]orderbook.Entry, 0, len(rows))
		for _, row := range rows {
			e, err := rowToEntry(row)
			if err != nil {
				return nil, false, err
			}
			entries = append(entries, e)
		}
		return entries, true, nil
	}

	var row []float64
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	e, err := rowToEntry(row)
	if err != nil {
		return nil, false, err
	}
	return []orderbook.Entry{e}, false, nil
}

func rowToEntry(row []float64) (orderbook.Entry, error) {
	if len(row) != 3 {
		return orderbook.Entry{}, fmt.Errorf("%w: row has %d fields", ErrMalformedFrame, len(row))
	}
	return orderbook.Entry{Price: row[0], Count: int(row[1]), Amount: row[2]}, nil
}
