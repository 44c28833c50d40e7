package scan

import (
	"fmt"

	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/flow"
)

// Source yields the data a scan runs against. Views must return fresh values
// on every call so concurrent scans never share state.
type Source interface {
	Views(opts ...exchange.Option) (*exchange.Request, *exchange.Response, error)
	Describe() string
}

// FromRecord scans a record already read from the store.
func FromRecord(rec flow.Record) Source { return recordSource{rec: rec} }

type recordSource struct{ rec flow.Record }

func (s recordSource) Views(opts ...exchange.Option) (*exchange.Request, *exchange.Response, error) {
	req, resp := exchange.FromRecord(s.rec, opts...)
	return req, resp, nil
}

func (s recordSource) Describe() string { return fmt.Sprintf("flow #%d", s.rec.Sequence) }

// Lookup is the read side of the flow store.
type Lookup interface {
	Get(seq int64) (flow.Record, bool)
}

// FromSequence scans the record with the given display sequence. The record
// is read when the scan starts.
func FromSequence(store Lookup, seq int64) Source { return seqSource{store: store, seq: seq} }

type seqSource struct {
	store Lookup
	seq   int64
}

func (s seqSource) Views(opts ...exchange.Option) (*exchange.Request, *exchange.Response, error) {
	rec, ok := s.store.Get(s.seq)
	if !ok {
		return nil, nil, fmt.Errorf("%w: #%d", flow.ErrNotFound, s.seq)
	}
	req, resp := exchange.FromRecord(rec, opts...)
	return req, resp, nil
}

func (s seqSource) Describe() string { return fmt.Sprintf("flow #%d", s.seq) }

// FromLiteral scans operator-supplied values.
func FromLiteral(l exchange.Literal) Source { return literalSource{lit: l} }

type literalSource struct{ lit exchange.Literal }

func (s literalSource) Views(opts ...exchange.Option) (*exchange.Request, *exchange.Response, error) {
	req, resp := exchange.FromLiteral(s.lit, opts...)
	return req, resp, nil
}

func (s literalSource) Describe() string {
	method := s.lit.Method
	if method == "" {
		method = "GET"
	}
	return fmt.Sprintf("literal %s %s", method, s.lit.URL)
}
