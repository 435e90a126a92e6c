package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope field numbers.
const (
	fieldAction protowire.Number = 1
	fieldBody   protowire.Number = 2
	fieldFlags  protowire.Number = 3
)

const flagSnappy uint64 = 1

// DefaultCompressThreshold is the body size above which the codec compresses.
const DefaultCompressThreshold = 512

// DefaultMaxBodyBytes caps a decoded body when no limit is configured.
const DefaultMaxBodyBytes = 64 << 10

var (
	// ErrMissingAction is returned when a frame carries no action.
	ErrMissingAction = errors.New("frame has no action")
	// ErrBodyTooLarge is returned when a body, once decompressed, would
	// exceed the codec's limit.
	ErrBodyTooLarge = errors.New("frame body too large")
)

// Codec encodes application messages into binary frames and back.
//
// A frame is a protobuf-wire envelope: field 1 holds the action, field 2
// the body and field 3 optional flags. The body is a marshalled
// google.protobuf.Struct, snappy compressed when flag bit 1 is set.
type Codec struct {
	compressAbove int
	maxBody       int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxBody caps the size of a decoded body. Compressed bodies are checked
// against their declared length before anything is allocated. A
// non-positive n keeps DefaultMaxBodyBytes.
func WithMaxBody(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// NewCodec creates a Codec that compresses bodies larger than compressAbove
// bytes. A non-positive threshold disables compression.
func NewCodec(compressAbove int, opts ...Option) *Codec {
	c := &Codec{compressAbove: compressAbove, maxBody: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serializes payload under action.
//
// Precondition: action > 0; payload must marshal to a JSON object or be nil.
// Postcondition: Returns a frame that Decode maps back to the same action and fields.
func (c *Codec) Encode(action Action, payload any) ([]byte, error) {
	if action <= 0 {
		return nil, ErrMissingAction
	}
	fields, err := toFields(payload)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building body for %s: %w", action, err)
	}
	body, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling body for %s: %w", action, err)
	}

	var flags uint64
	if c.compressAbove > 0 && len(body) > c.compressAbove {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}

	buf := make([]byte, 0, len(body)+16)
	buf = protowire.AppendTag(buf, fieldAction, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(action))
	if flags != 0 {
		buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
		buf = protowire.AppendVarint(buf, flags)
	}
	buf = protowire.AppendTag(buf, fieldBody, protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)
	return buf, nil
}

// Decode parses a frame produced by Encode. Unknown envelope fields are skipped.
//
// Postcondition: Returns a Packet with non-nil Fields, or an error for malformed input.
func (c *Codec) Decode(data []byte) (Packet, error) {
	var (
		action Action
		flags  uint64
		body   []byte
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Packet{}, fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldAction && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("reading action: %w", protowire.ParseError(m))
			}
			action = Action(v)
			n = m
		case num == fieldFlags && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("reading flags: %w", protowire.ParseError(m))
			}
			flags = v
			n = m
		case num == fieldBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("reading body: %w", protowire.ParseError(m))
			}
			body = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Packet{}, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if action <= 0 {
		return Packet{}, ErrMissingAction
	}

	if flags&flagSnappy != 0 {
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return Packet{}, fmt.Errorf("decompressing %s: %w", action, err)
		}
		if n > c.maxBody {
			return Packet{}, fmt.Errorf("%s declares %d bytes, limit %d: %w", action, n, c.maxBody, ErrBodyTooLarge)
		}
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return Packet{}, fmt.Errorf("decompressing %s: %w", action, err)
		}
		body = raw
	}
	if len(body) > c.maxBody {
		return Packet{}, fmt.Errorf("%s body is %d bytes, limit %d: %w", action, len(body), c.maxBody, ErrBodyTooLarge)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return Packet{}, fmt.Errorf("unmarshalling body of %s: %w", action, err)
	}
	fields := s.AsMap()
	if fields == nil {
		fields = map[string]any{}
	}
	return Packet{Action: action, Fields: fields}, nil
}

// toFields converts a payload to the generic form carried by a Struct body.
func toFields(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return fields, nil
}
