// ABOUTME: Order-preserving tuple encoding used for keys and records
// ABOUTME: bytes.Compare on two encodings matches column-wise value order

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Type tags. Values of different types order by tag, so Null sorts first.
const (
	TypeNull    uint8 = 1
	TypeInt64   uint8 = 2
	TypeUint64  uint8 = 3
	TypeFloat64 uint8 = 4
	TypeTime    uint8 = 5
	TypeBytes   uint8 = 6
)

var ErrBadEncoding = errors.New("storage: malformed encoding")

// Value is one column of a tuple.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	F64  float64
	Time time.Time
}

func Null() Value { return Value{Type: TypeNull} }
func Bytes(b []byte) Value { return Value{Type: TypeBytes, Str: b} }
func String(s string) Value { return Value{Type: TypeBytes, Str: []byte(s)} }
func Int64(i int64) Value { return Value{Type: TypeInt64, I64: i} }
func Uint64(u uint64) Value { return Value{Type: TypeUint64, U64: u} }
func Float64(f float64) Value { return Value{Type: TypeFloat64, F64: f} }

// Bool is stored as Int64 0 or 1.
func Bool(b bool) Value {
	if b {
		return Int64(1)
	}
	return Int64(0)
}

// Time keeps nanosecond precision. The zero time is stored as Null.
func Time(t time.Time) Value {
	if t.IsZero() {
		return Null()
	}
	return Value{Type: TypeTime, Time: t}
}

// OptTime maps a nil pointer to Null.
func OptTime(t *time.Time) Value {
	if t == nil {
		return Null()
	}
	return Time(*t)
}

func (v Value) IsNull() bool { return v.Type == TypeNull || v.Type == 0 }

func (v Value) String() string { return string(v.Str) }

func (v Value) Bool() bool { return v.Type == TypeInt64 && v.I64 != 0 }

// TimeVal returns the zero time for Null.
func (v Value) TimeVal() time.Time {
	if v.Type != TypeTime {
		return time.Time{}
	}
	return v.Time
}

// OptTimeVal returns nil for Null.
func (v Value) OptTimeVal() *time.Time {
	if v.Type != TypeTime {
		return nil
	}
	t := v.Time
	return &t
}

func flip(i int64) uint64 { return uint64(i) ^ (1 << 63) }

func unflip(u uint64) int64 { return int64(u ^ (1 << 63)) }

// AppendValues appends the encoding of vals to out.
func AppendValues(out []byte, vals ...Value) []byte {
	var buf [8]byte
	for _, v := range vals {
		if v.Type == 0 {
			v.Type = TypeNull
		}
		out = append(out, v.Type)
		switch v.Type {
		case TypeNull:
		case TypeInt64:
			binary.BigEndian.PutUint64(buf[:], flip(v.I64))
			out = append(out, buf[:]...)
		case TypeUint64:
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)
		case TypeFloat64:
			bits := math.Float64bits(v.F64)
			if bits&(1<<63) == 0 {
				bits ^= 1 << 63
			} else {
				bits = ^bits
			}
			binary.BigEndian.PutUint64(buf[:], bits)
			out = append(out, buf[:]...)
		case TypeTime:
			binary.BigEndian.PutUint64(buf[:], flip(v.Time.UnixNano()))
			out = append(out, buf[:]...)
		case TypeBytes:
			out = appendEscaped(out, v.Str)
			out = append(out, 0)
		default:
			panic(fmt.Sprintf("storage: unknown value type %d", v.Type))
		}
	}
	return out
}

// EncodeValues encodes a tuple.
func EncodeValues(vals ...Value) []byte {
	return AppendValues(make([]byte, 0, 64), vals...)
}

// appendEscaped keeps 0x00 free for the terminator:
// 0x00 -> 0x01 0x01, 0x01 -> 0x01 0x02.
func appendEscaped(out, s []byte) []byte {
	for _, b := range s {
		switch b {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, b)
		}
	}
	return out
}

// DecodeValues decodes a full tuple.
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 8)
	pos := 0
	for pos < len(data) {
		typ := data[pos]
		pos++
		switch typ {
		case TypeNull:
			vals = append(vals, Null())
		case TypeInt64, TypeUint64, TypeFloat64, TypeTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("%w: short fixed-width value at %d", ErrBadEncoding, pos)
			}
			u := binary.BigEndian.Uint64(data[pos:])
			pos += 8
			switch typ {
			case TypeInt64:
				vals = append(vals, Int64(unflip(u)))
			case TypeUint64:
				vals = append(vals, Uint64(u))
			case TypeFloat64:
				if u&(1<<63) != 0 {
					u ^= 1 << 63
				} else {
					u = ^u
				}
				vals = append(vals, Float64(math.Float64frombits(u)))
			case TypeTime:
				vals = append(vals, Value{Type: TypeTime, Time: time.Unix(0, unflip(u)).UTC()})
			}
		case TypeBytes:
			str := make([]byte, 0, 16)
			for {
				if pos >= len(data) {
					return nil, fmt.Errorf("%w: unterminated bytes", ErrBadEncoding)
				}
				b := data[pos]
				pos++
				if b == 0x00 {
					break
				}
				if b == 0x01 {
					if pos >= len(data) {
						return nil, fmt.Errorf("%w: dangling escape", ErrBadEncoding)
					}
					b = data[pos] - 1
					pos++
				}
				str = append(str, b)
			}
			vals = append(vals, Bytes(str))
		default:
			return nil, fmt.Errorf("%w: unknown type %d at %d", ErrBadEncoding, typ, pos-1)
		}
	}
	return vals, nil
}

// EncodeKey prefixes a tuple with a 4-byte big-endian keyspace id.
func EncodeKey(prefix uint32, vals ...Value) []byte {
	out := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(out, prefix)
	return AppendValues(out, vals...)
}

// KeyPrefix returns the keyspace id of key.
func KeyPrefix(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(key[:4])
}

// KeyValues decodes the tuple part of key.
func KeyValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, fmt.Errorf("%w: key too short", ErrBadEncoding)
	}
	return DecodeValues(key[4:])
}

// PrefixEnd returns the smallest key greater than every key starting with p,
// or nil when no such key exists.
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
