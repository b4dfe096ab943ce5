package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names used across services.
const (
	StreamCarts    = "carts"
	StreamOrders   = "orders"
	StreamPayments = "payments"
	StreamStock    = "stock"
	StreamSagas    = "sagas"
)

// Aggregate types.
const (
	AggregateCart    = "Cart"
	AggregateOrder   = "Order"
	AggregateProduct = "Product"
	AggregatePayment = "Payment"
	AggregateSaga    = "Saga"
)

// ErrMalformed marks envelopes that cannot be decoded or fail validation.
var ErrMalformed = errors.New("malformed envelope")

// NewID generates event ids. Tests may replace it.
var NewID = uuid.NewString

// Envelope is the immutable wire representation of one domain occurrence.
type Envelope struct {
	EventID          string
	EventType        string
	Stream           string
	OccurredAt       time.Time
	AggregateType    string
	AggregateID      string
	ProducerInstance string
	Data             Data
}

type wireEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	Stream           string          `json:"stream"`
	OccurredAt       time.Time       `json:"occurred_at"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	ProducerInstance string          `json:"producer_instance"`
	Data             json.RawMessage `json:"data"`
}

// New builds an envelope with a fresh event id, stamped at now in UTC.
func New(stream, aggregateType, aggregateID, producer string, data Data, now time.Time) Envelope {
	return Envelope{
		EventID:          NewID(),
		EventType:        data.EventType(),
		Stream:           stream,
		OccurredAt:       now.UTC(),
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		ProducerInstance: producer,
		Data:             data,
	}
}

// Validate checks the envelope header and its payload.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is empty", ErrMalformed)
	case e.EventType == "":
		return fmt.Errorf("%w: event_type is empty", ErrMalformed)
	case e.AggregateType == "":
		return fmt.Errorf("%w: aggregate_type is empty", ErrMalformed)
	case e.AggregateID == "":
		return fmt.Errorf("%w: aggregate_id is empty", ErrMalformed)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is zero", ErrMalformed)
	case e.Data == nil:
		return fmt.Errorf("%w: data is missing", ErrMalformed)
	}
	if e.Data.EventType() != e.EventType {
		return fmt.Errorf("%w: data type %q does not match event_type %q", ErrMalformed, e.Data.EventType(), e.EventType)
	}
	if err := e.Data.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.EventType, err)
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		raw = b
	} else {
		raw = json.RawMessage(`{}`)
	}
	return json.Marshal(wireEnvelope{
		EventID:          e.EventID,
		EventType:        e.EventType,
		Stream:           e.Stream,
		OccurredAt:       e.OccurredAt.UTC(),
		AggregateType:    e.AggregateType,
		AggregateID:      e.AggregateID,
		ProducerInstance: e.ProducerInstance,
		Data:             raw,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeData(w.EventType, w.Data)
	if err != nil {
		return err
	}
	*e = Envelope{
		EventID:          w.EventID,
		EventType:        w.EventType,
		Stream:           w.Stream,
		OccurredAt:       w.OccurredAt.UTC(),
		AggregateType:    w.AggregateType,
		AggregateID:      w.AggregateID,
		ProducerInstance: w.ProducerInstance,
		Data:             data,
	}
	return nil
}

// Encode serializes an envelope to its JSON wire format.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Every failure wraps ErrMalformed.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
