package protocol

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// ErrNotInteger is returned when a number bound for an integer field has a
// fractional part or does not fit the field.
var ErrNotInteger = errors.New("number is not a representable integer")

// Packet is one decoded application message.
type Packet struct {
	Action Action
	// Fields holds the decoded body. Numbers are float64, nested objects are
	// map[string]any and arrays are []any.
	Fields map[string]any
}

// NewPacket builds a Packet from a typed payload, as the codec would deliver it.
//
// Postcondition: Returns a Packet whose Fields mirror payload's json form.
func NewPacket(action Action, payload any) (Packet, error) {
	fields, err := toFields(payload)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Action: action, Fields: fields}, nil
}

// Decode copies the packet fields into v, matching keys against json tags.
//
// Precondition: v must be a non-nil pointer to a struct.
// Postcondition: Returns an error if a field has an incompatible type.
func (p Packet) Decode(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           v,
		WeaklyTypedInput: false,
		DecodeHook:       mapstructure.DecodeHookFuncType(exactIntegers),
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	if err := dec.Decode(p.Fields); err != nil {
		return fmt.Errorf("decoding %s: %w", p.Action, err)
	}
	return nil
}

// Has reports whether the packet carries key.
func (p Packet) Has(key string) bool {
	_, ok := p.Fields[key]
	return ok
}

// exactIntegers refuses to let a float64 land in an integer field unless the
// conversion is exact. Bodies carry every number as a float64.
func exactIntegers(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Float64 {
		return data, nil
	}
	f, _ := data.(float64)
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if math.Trunc(f) != f || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("%v: %w", f, ErrNotInteger)
		}
		if reflect.Zero(to).OverflowInt(int64(f)) {
			return nil, fmt.Errorf("%v overflows %s: %w", f, to, ErrNotInteger)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if math.Trunc(f) != f || f < 0 || f >= math.MaxUint64 {
			return nil, fmt.Errorf("%v: %w", f, ErrNotInteger)
		}
		if reflect.Zero(to).OverflowUint(uint64(f)) {
			return nil, fmt.Errorf("%v overflows %s: %w", f, to, ErrNotInteger)
		}
	}
	return data, nil
}
