// Package decoder turns the positional data array of an upstream trade frame
// into a models.TradeRecord by matching each element to a named field of a
// versioned schema.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/protocol"
)

const (
	FieldType      = "type"
	FieldTicker    = "ticker"
	FieldTimestamp = "timestamp"
	FieldExchange  = "exchange"
	FieldSize      = "size"
	FieldPrice     = "price"
)

// Bounds on numeric fields. decimal expands the exponent when formatting, so
// "1e200000000" would render as two hundred million digits.
const (
	maxNumberText = 64
	maxExponent   = 32
)

var (
	ErrMalformed = errors.New("malformed payload")
	ErrArity     = errors.New("unexpected field count")
	ErrField     = errors.New("invalid field")
)

// Schema names the elements of the data array in order.
type Schema struct {
	Version int
	Fields  []string
}

var SchemaV1 = Schema{
	Version: 1,
	Fields:  []string{FieldType, FieldTicker, FieldTimestamp, FieldExchange, FieldSize, FieldPrice},
}

// DecodeError describes why a payload was rejected. Err is one of the
// package sentinels, possibly wrapping the underlying parse error.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode trade: %s", e.Reason)
	}
	return fmt.Sprintf("decode trade: field %q: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind returns a short label for err suitable for metrics.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrArity):
		return "arity"
	case errors.Is(err, ErrField):
		return "field"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}

type Decoder struct {
	schema Schema
	index  map[string]int
}

func New(schema Schema) (*Decoder, error) {
	index := make(map[string]int, len(schema.Fields))
	for i, f := range schema.Fields {
		if _, dup := index[f]; dup {
			return nil, fmt.Errorf("schema v%d: duplicate field %q", schema.Version, f)
		}
		index[f] = i
	}
	for _, required := range []string{FieldTicker, FieldTimestamp, FieldExchange, FieldSize, FieldPrice} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("schema v%d: missing field %q", schema.Version, required)
		}
	}
	return &Decoder{schema: schema, index: index}, nil
}

func (d *Decoder) Schema() Schema { return d.schema }

// DecodeFrame decodes the data of a trade frame.
func (d *Decoder) DecodeFrame(frame protocol.TradeFrame) (models.TradeRecord, error) {
	if len(frame.Data) == 0 {
		return models.TradeRecord{}, &DecodeError{Reason: "frame has no data", Err: ErrMalformed}
	}
	return d.Decode(frame.Data)
}

// Decode validates data against the schema and builds the record. Nothing is
// trusted by position alone: the element count must equal the schema's.
func (d *Decoder) Decode(data json.RawMessage) (models.TradeRecord, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return models.TradeRecord{}, &DecodeError{Reason: "data is not an array", Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
	}
	if len(elems) != len(d.schema.Fields) {
		return models.TradeRecord{}, &DecodeError{
			Reason: fmt.Sprintf("got %d elements, schema v%d has %d", len(elems), d.schema.Version, len(d.schema.Fields)),
			Err:    ErrArity,
		}
	}

	var (
		rec models.TradeRecord
		err error
	)
	if i, ok := d.index[FieldType]; ok {
		if _, err = str(FieldType, elems[i]); err != nil {
			return models.TradeRecord{}, err
		}
	}
	if rec.Ticker, err = str(FieldTicker, elems[d.index[FieldTicker]]); err != nil {
		return models.TradeRecord{}, err
	}
	if rec.Ticker == "" {
		return models.TradeRecord{}, &DecodeError{Field: FieldTicker, Reason: "empty", Err: ErrField}
	}
	if rec.Timestamp, err = timestamp(elems[d.index[FieldTimestamp]]); err != nil {
		return models.TradeRecord{}, err
	}
	if rec.Exchange, err = str(FieldExchange, elems[d.index[FieldExchange]]); err != nil {
		return models.TradeRecord{}, err
	}
	if rec.Size, err = number(FieldSize, elems[d.index[FieldSize]]); err != nil {
		return models.TradeRecord{}, err
	}
	if rec.Price, err = number(FieldPrice, elems[d.index[FieldPrice]]); err != nil {
		return models.TradeRecord{}, err
	}
	return rec, nil
}

func str(field string, raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Field: field, Reason: "not a string", Err: fmt.Errorf("%w: %w", ErrField, err)}
	}
	return strings.TrimSpace(s), nil
}

// timestamp accepts an RFC 3339 string or epoch milliseconds.
func timestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, &DecodeError{Field: FieldTimestamp, Reason: "bad string", Err: fmt.Errorf("%w: %w", ErrField, err)}
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, &DecodeError{Field: FieldTimestamp, Reason: "not RFC 3339", Err: fmt.Errorf("%w: %w", ErrField, err)}
		}
		return t.UTC(), nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, &DecodeError{Field: FieldTimestamp, Reason: "not epoch millis", Err: fmt.Errorf("%w: %w", ErrField, err)}
	}
	return time.UnixMilli(ms).UTC(), nil
}

// number accepts a JSON number or a numeric string within the magnitude
// bounds. decimal has no NaN or infinity, so anything it parses is finite.
func number(field string, raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Decimal{}, &DecodeError{Field: field, Reason: "bad string", Err: fmt.Errorf("%w: %w", ErrField, err)}
		}
	}
	if text == "" || text == "null" {
		return decimal.Decimal{}, &DecodeError{Field: field, Reason: "missing", Err: ErrField}
	}
	text = strings.TrimSpace(text)
	if len(text) > maxNumberText {
		return decimal.Decimal{}, &DecodeError{Field: field, Reason: "out of range", Err: ErrField}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, &DecodeError{Field: field, Reason: "not numeric", Err: fmt.Errorf("%w: %w", ErrField, err)}
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Decimal{}, &DecodeError{Field: field, Reason: "out of range", Err: ErrField}
	}
	return d, nil
}
