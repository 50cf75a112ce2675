package skiplist

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

// KeyType tags the value held by an IndexKey. The numeric value is persisted.
type KeyType byte

const (
	KeyMinValue KeyType = iota
	KeyNull
	KeyInt32
	KeyInt64
	KeyDouble
	KeyString
	KeyBoolean
	KeyDateTime
	KeyGuid
	KeyMaxValue
)

func (t KeyType) String() string {
	switch t {
	case KeyMinValue:
		return "MinValue"
	case KeyNull:
		return "Null"
	case KeyInt32:
		return "Int32"
	case KeyInt64:
		return "Int64"
	case KeyDouble:
		return "Double"
	case KeyString:
		return "String"
	case KeyBoolean:
		return "Boolean"
	case KeyDateTime:
		return "DateTime"
	case KeyGuid:
		return "Guid"
	case KeyMaxValue:
		return "MaxValue"
	default:
		return fmt.Sprintf("KeyType(%d)", byte(t))
	}
}

func (t KeyType) isNumeric() bool {
	return t == KeyInt32 || t == KeyInt64 || t == KeyDouble
}

// MaxIndexKeyLength bounds the serialized key, type tag included.
const MaxIndexKeyLength = 255

// IndexKey is a tagged scalar stored in index nodes.
type IndexKey struct {
	Type KeyType

	i int64
	f float64
	s string
	t time.Time
	g uuid.UUID
}

func MinKey() IndexKey { return IndexKey{Type: KeyMinValue} }
func MaxKey() IndexKey { return IndexKey{Type: KeyMaxValue} }
func NullKey() IndexKey { return IndexKey{Type: KeyNull} }
func Int32Key(v int32) IndexKey { return IndexKey{Type: KeyInt32, i: int64(v)} }
func Int64Key(v int64) IndexKey { return IndexKey{Type: KeyInt64, i: v} }
func DoubleKey(v float64) IndexKey { return IndexKey{Type: KeyDouble, f: v} }
func StringKey(v string) IndexKey { return IndexKey{Type: KeyString, s: v} }
func GuidKey(v uuid.UUID) IndexKey { return IndexKey{Type: KeyGuid, g: v} }

func BoolKey(v bool) IndexKey {
	k := IndexKey{Type: KeyBoolean}
	if v {
		k.i = 1
	}
	return k
}

// DateTimeKey keeps UTC time at nanosecond precision.
func DateTimeKey(v time.Time) IndexKey {
	return IndexKey{Type: KeyDateTime, t: v.UTC()}
}

// NewIndexKey converts a Go scalar into a key.
func NewIndexKey(v any) (IndexKey, error) {
	switch x := v.(type) {
	case nil:
		return NullKey(), nil
	case IndexKey:
		return x, nil
	case int32:
		return Int32Key(x), nil
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return Int32Key(int32(x)), nil
		}
		return Int64Key(int64(x)), nil
	case int64:
		return Int64Key(x), nil
	case float64:
		return DoubleKey(x), nil
	case float32:
		return DoubleKey(float64(x)), nil
	case string:
		return StringKey(x), nil
	case bool:
		return BoolKey(x), nil
	case time.Time:
		return DateTimeKey(x), nil
	case uuid.UUID:
		return GuidKey(x), nil
	default:
		return IndexKey{}, fmt.Errorf("%w: %T", dberror.ErrUnsupportedKeyType, v)
	}
}

func (k IndexKey) AsInt64() int64 { return k.i }
func (k IndexKey) AsString() string { return k.s }
func (k IndexKey) AsBool() bool { return k.i == 1 }
func (k IndexKey) AsDateTime() time.Time { return k.t }
func (k IndexKey) AsGuid() uuid.UUID { return k.g }

// AsDouble promotes any numeric key.
func (k IndexKey) AsDouble() float64 {
	if k.Type == KeyDouble {
		return k.f
	}
	return float64(k.i)
}

func (k IndexKey) String() string {
	switch k.Type {
	case KeyMinValue, KeyMaxValue:
		return k.Type.String()
	case KeyNull:
		return "null"
	case KeyInt32, KeyInt64:
		return strconv.FormatInt(k.i, 10)
	case KeyDouble:
		return strconv.FormatFloat(k.f, 'g', -1, 64)
	case KeyString:
		return k.s
	case KeyBoolean:
		return strconv.FormatBool(k.AsBool())
	case KeyDateTime:
		return k.t.Format(time.RFC3339Nano)
	case KeyGuid:
		return k.g.String()
	default:
		return "?"
	}
}

// CompareTo orders keys. MinValue and MaxValue bound everything, Null is lower than
// any other value, numbers compare across types through Double promotion and any
// other type mismatch falls back to comparing string forms under the collation.
func (k IndexKey) CompareTo(other IndexKey, collation *Collation) int {
	switch {
	case k.Type == other.Type:
	case k.Type == KeyMinValue || other.Type == KeyMaxValue:
		return -1
	case k.Type == KeyMaxValue || other.Type == KeyMinValue:
		return 1
	case k.Type == KeyNull:
		return -1
	case other.Type == KeyNull:
		return 1
	case k.Type.isNumeric() && other.Type.isNumeric():
		if k.Type != KeyDouble && other.Type != KeyDouble {
			return cmp.Compare(k.i, other.i)
		}
		return cmp.Compare(k.AsDouble(), other.AsDouble())
	default:
		return collation.Compare(k.String(), other.String())
	}

	switch k.Type {
	case KeyMinValue, KeyMaxValue, KeyNull:
		return 0
	case KeyInt32, KeyInt64, KeyBoolean:
		return cmp.Compare(k.i, other.i)
	case KeyDouble:
		return cmp.Compare(k.f, other.f)
	case KeyString:
		return collation.Compare(k.s, other.s)
	case KeyDateTime:
		return k.t.Compare(other.t)
	case KeyGuid:
		return compareBytes(k.g[:], other.g[:])
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if c := cmp.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// EncodedLength is the serialized size of the key.
func (k IndexKey) EncodedLength() int {
	switch k.Type {
	case KeyInt32:
		return 1 + 4
	case KeyInt64, KeyDouble:
		return 1 + 8
	case KeyDateTime:
		return 1 + 8 + 4
	case KeyBoolean:
		return 1 + 1
	case KeyGuid:
		return 1 + 16
	case KeyString:
		return 1 + 1 + len(k.s)
	default:
		return 1
	}
}

// Validate rejects keys too long to be stored in a node.
func (k IndexKey) Validate() error {
	if n := k.EncodedLength(); n > MaxIndexKeyLength {
		return fmt.Errorf("%w: %d bytes, max is %d", dberror.ErrIndexKeyTooLong, n, MaxIndexKeyLength)
	}
	return nil
}

// Encode writes the key into buf, which must hold EncodedLength bytes.
func (k IndexKey) Encode(buf []byte) {
	buf[0] = byte(k.Type)
	p := buf[1:]
	switch k.Type {
	case KeyInt32:
		binary.LittleEndian.PutUint32(p, uint32(int32(k.i)))
	case KeyInt64:
		binary.LittleEndian.PutUint64(p, uint64(k.i))
	case KeyDouble:
		binary.LittleEndian.PutUint64(p, math.Float64bits(k.f))
	case KeyDateTime:
		// seconds and nanoseconds apart: UnixNano overflows outside 1678-2262
		binary.LittleEndian.PutUint64(p, uint64(k.t.Unix()))
		binary.LittleEndian.PutUint32(p[8:], uint32(k.t.Nanosecond()))
	case KeyBoolean:
		p[0] = byte(k.i)
	case KeyGuid:
		copy(p, k.g[:])
	case KeyString:
		p[0] = byte(len(k.s))
		copy(p[1:], k.s)
	}
}

// DecodeIndexKey reads a key written by Encode.
func DecodeIndexKey(buf []byte) (IndexKey, error) {
	if len(buf) == 0 {
		return IndexKey{}, fmt.Errorf("%w: empty index key", dberror.ErrInvalidPageData)
	}
	k := IndexKey{Type: KeyType(buf[0])}
	if k.Type > KeyMaxValue {
		return IndexKey{}, fmt.Errorf("%w: unknown key type %d", dberror.ErrInvalidPageData, buf[0])
	}
	if len(buf) < k.fixedLength() {
		return IndexKey{}, fmt.Errorf("%w: truncated %s key", dberror.ErrInvalidPageData, k.Type)
	}
	p := buf[1:]
	switch k.Type {
	case KeyInt32:
		k.i = int64(int32(binary.LittleEndian.Uint32(p)))
	case KeyInt64:
		k.i = int64(binary.LittleEndian.Uint64(p))
	case KeyDouble:
		k.f = math.Float64frombits(binary.LittleEndian.Uint64(p))
	case KeyDateTime:
		k.t = time.Unix(int64(binary.LittleEndian.Uint64(p)), int64(binary.LittleEndian.Uint32(p[8:]))).UTC()
	case KeyBoolean:
		k.i = int64(p[0])
	case KeyGuid:
		copy(k.g[:], p[:16])
	case KeyString:
		n := int(p[0])
		if len(p) < 1+n {
			return IndexKey{}, fmt.Errorf("%w: truncated string key", dberror.ErrInvalidPageData)
		}
		k.s = string(p[1 : 1+n])
	}
	return k, nil
}

// fixedLength is the encoded size known from the type tag alone.
func (k IndexKey) fixedLength() int {
	if k.Type == KeyString {
		return 2
	}
	return k.EncodedLength()
}
