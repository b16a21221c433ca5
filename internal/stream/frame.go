package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/bookagg/internal/book"
)

// Kind tags an inbound frame.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindDelta     Kind = "delta"
	KindHeartbeat Kind = "heartbeat"
)

// Message is a decoded and validated inbound frame. Snapshot frames fill
// Bids/Asks; delta frames fill Changes.
type Message struct {
	Kind       Kind
	ExchangeID string
	Bids       []book.Quote
	Asks       []book.Quote
	Changes    []book.Change
}

// wireFrame is the outer envelope. Level payloads stay raw so a bad tuple is
// reported as a protocol error rather than a broken frame.
type wireFrame struct {
	ExchangeID string          `json:"exchangeId"`
	Type       string          `json:"type"`
	Bids       json.RawMessage `json:"bids"`
	Asks       json.RawMessage `json:"asks"`
	Updates    json.RawMessage `json:"updates"`
}

type wireUpdate struct {
	Side     string           `json:"side"`
	Price    *decimal.Decimal `json:"price"`
	Quantity *decimal.Decimal `json:"quantity"`
}

// snapshotRequest is sent after a (re)connect for each exchange that needs a fresh book.
type snapshotRequest struct {
	Op         string `json:"op"`
	ExchangeID string `json:"exchangeId"`
}

// Decode parses and validates one frame.
func Decode(raw []byte) (Message, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg := Message{
		Kind:       Kind(strings.ToLower(strings.TrimSpace(wf.Type))),
		ExchangeID: strings.TrimSpace(wf.ExchangeID),
	}
	switch msg.Kind {
	case KindHeartbeat:
		return msg, nil
	case KindSnapshot, KindDelta:
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownKind, wf.Type)
	}
	if msg.ExchangeID == "" {
		return msg, ErrMissingExchange
	}

	bids, err := decodeQuotes(wf.Bids)
	if err != nil {
		return msg, fmt.Errorf("%w: bids: %v", ErrInvalidTuple, err)
	}
	asks, err := decodeQuotes(wf.Asks)
	if err != nil {
		return msg, fmt.Errorf("%w: asks: %v", ErrInvalidTuple, err)
	}

	if msg.Kind == KindSnapshot {
		msg.Bids, msg.Asks = bids, asks
		return msg, nil
	}

	changes, err := decodeUpdates(wf.Updates)
	if err != nil {
		return msg, fmt.Errorf("%w: updates: %v", ErrInvalidTuple, err)
	}
	for _, q := range bids {
		changes = append(changes, book.Change{Side: book.Bid, Price: q.Price, Quantity: q.Quantity})
	}
	for _, q := range asks {
		changes = append(changes, book.Change{Side: book.Ask, Price: q.Price, Quantity: q.Quantity})
	}
	msg.Changes = changes
	return msg, nil
}

func isAbsent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// decodeQuotes accepts [[price, quantity], ...] with string or numeric values.
func decodeQuotes(raw json.RawMessage) ([]book.Quote, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var rows [][]decimal.Decimal
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]book.Quote, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d: want [price, quantity], got %d values", i, len(row))
		}
		q := book.Quote{Price: row[0], Quantity: row[1]}
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, q)
	}
	return out, nil
}

func decodeUpdates(raw json.RawMessage) ([]book.Change, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var rows []wireUpdate
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]book.Change, 0, len(rows))
	for i, row := range rows {
		side, err := book.ParseSide(row.Side)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		if row.Price == nil || row.Quantity == nil {
			return nil, fmt.Errorf("update %d: price and quantity are required", i)
		}
		c := book.Change{Side: side, Price: *row.Price, Quantity: *row.Quantity}
		if err := (book.Quote{Price: c.Price, Quantity: c.Quantity}).Validate(); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}
