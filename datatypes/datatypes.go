// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package datatypes converts semantically typed text fields to and
// from fixed-width 64-bit encodings, suitable for use as bigmap keys
// or values. It is a pure function library: it has no dependency on
// localities, dispatch, or the map.
//
// Each supported semantic type maps a string representation to a
// uint64. Input that fails to parse under its declared type encodes
// to the reserved sentinel Null; decoding Null yields the empty
// string. The sentinel makes parse failure an ordinary value rather
// than an error, so malformed fields flow through a map without ever
// raising a fault on a remote worker. The price is that a legitimate
// value equal to the sentinel is indistinguishable from null; Encode
// documents this, and EncodeChecked reports the collision explicitly.
package datatypes

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// Null is the reserved sentinel encoding: the value of any field
// that failed to parse under its declared type.
const Null = uint64(math.MaxInt64)

// A Type is one of the supported semantic types. The enumeration is
// meant for parsing data whose schema is known only at run time.
type Type int

const (
	// String is a sequence of characters. Support is limited: only
	// the first 7 bytes are encoded, as for Chars.
	String Type = iota
	// Chars is a short character sequence: the first 7 bytes,
	// NUL-padded, packed little-endian into the encoding.
	Chars
	// Uint is an unsigned integer.
	Uint
	// Int is a signed integer, encoded by two's complement bit
	// pattern.
	Int
	// Float is a 32-bit floating point number, encoded by bit
	// pattern.
	Float
	// Double is a 64-bit floating point number, encoded by bit
	// pattern.
	Double
	// Bool is a boolean: "F", "f", "FALSE", "false", and "0" encode
	// to 0, any other non-empty input to 1.
	Bool
	// Date is a date in "2006-01-02" format, encoded as a Unix
	// timestamp in local time.
	Date
	// USDate is a date in "01/02/06" format, encoded as a Unix
	// timestamp in local time.
	USDate
	// DateTime is a timestamp in "2006-01-02T15:04:05" format,
	// encoded as a Unix timestamp in local time.
	DateTime
	// IPAddress is an IPv4 dotted quad, encoded as the 32-bit
	// big-endian address value.
	IPAddress
	// ListUint is a comma-separated list of unsigned integers.
	ListUint
	// ListInt is a comma-separated list of signed integers.
	ListInt
	// ListDouble is a comma-separated list of 64-bit floats.
	ListDouble
	// None is the absent type; it encodes everything to Null.
	None
)

var typeNames = [...]string{
	String:     "string",
	Chars:      "chars",
	Uint:       "uint",
	Int:        "int",
	Float:      "float",
	Double:     "double",
	Bool:       "bool",
	Date:       "date",
	USDate:     "usdate",
	DateTime:   "datetime",
	IPAddress:  "ipaddress",
	ListUint:   "list_uint",
	ListInt:    "list_int",
	ListDouble: "list_double",
	None:       "none",
}

// String returns the type's lower-case name.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

const (
	dateLayout     = "2006-01-02"
	usDateLayout   = "01/02/06"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// A codec pairs the encode and decode halves for one semantic type.
// Dispatch is by table rather than per-type code paths, so the
// supported set is visible (and checkable) in one place.
type codec struct {
	encode func(string) uint64
	decode func(uint64) string
}

var codecs = map[Type]codec{
	String:    {encodeChars, decodeChars},
	Chars:     {encodeChars, decodeChars},
	Uint:      {encodeUint, decodeUint},
	Int:       {encodeInt, decodeInt},
	Float:     {encodeFloat, decodeFloat},
	Double:    {encodeDouble, decodeDouble},
	Bool:      {encodeBool, decodeBool},
	Date:      {encodeTime(dateLayout), decodeTime(dateLayout)},
	USDate:    {encodeTime(usDateLayout), decodeTime(usDateLayout)},
	DateTime:  {encodeTime(dateTimeLayout), decodeTime(dateTimeLayout)},
	IPAddress: {encodeIPv4, decodeIPv4},
}

// Encode converts in to its fixed-width encoding under the semantic
// type t. Input that fails to parse yields Null, as does a type with
// no encoding (None, and the list types, which encode via
// EncodeList). A legitimate value whose encoding equals Null is
// indistinguishable from a parse failure; use EncodeChecked to
// detect that case.
func Encode(t Type, in string) uint64 {
	c, ok := codecs[t]
	if !ok {
		return Null
	}
	return c.encode(in)
}

// EncodeChecked is Encode with the failure modes made explicit: it
// fails with errors.Invalid when the input does not parse under t,
// and with errors.Precondition when the input parses but its
// encoding collides with the reserved Null sentinel.
func EncodeChecked(t Type, in string) (uint64, error) {
	v := Encode(t, in)
	if v != Null {
		return v, nil
	}
	// Distinguish a parse failure from a legitimate value that
	// happens to encode to the sentinel.
	if !parsesAs(t, in) {
		return Null, errors.E(errors.Invalid, fmt.Sprintf("datatypes: %q does not parse as %s", in, t))
	}
	return Null, errors.E(errors.Precondition, fmt.Sprintf("datatypes: %s value %q collides with the null sentinel", t, in))
}

func parsesAs(t Type, in string) bool {
	switch t {
	case Uint:
		_, err := strconv.ParseUint(in, 10, 64)
		return err == nil
	case Int:
		_, err := strconv.ParseInt(in, 10, 64)
		return err == nil
	case Float:
		_, err := strconv.ParseFloat(in, 32)
		return err == nil
	case Double:
		_, err := strconv.ParseFloat(in, 64)
		return err == nil
	case Bool:
		return in != ""
	case Date, USDate, DateTime:
		layouts := map[Type]string{Date: dateLayout, USDate: usDateLayout, DateTime: dateTimeLayout}
		_, err := time.ParseInLocation(layouts[t], in, time.Local)
		return err == nil
	case IPAddress:
		return encodeIPv4(in) != Null
	case String, Chars:
		return true
	}
	return false
}

// Decode converts an encoded value back to its string
// representation under the semantic type t. The Null sentinel
// decodes to the empty string for every type except Chars, whose
// encoding space overlaps the sentinel bit pattern.
func Decode(t Type, v uint64) string {
	c, ok := codecs[t]
	if !ok {
		return ""
	}
	return c.decode(v)
}

// EncodeList converts a comma-separated list of values to their
// encodings under the list's element type. Only ListUint, ListInt,
// and ListDouble are supported; other types yield nil. Elements that
// fail to parse encode to Null in place, preserving positions.
func EncodeList(t Type, in string) []uint64 {
	var elem Type
	switch t {
	case ListUint:
		elem = Uint
	case ListInt:
		elem = Int
	case ListDouble:
		elem = Double
	default:
		return nil
	}
	if in == "" {
		return nil
	}
	fields := strings.Split(in, ",")
	out := make([]uint64, len(fields))
	for i, f := range fields {
		out[i] = Encode(elem, strings.TrimSpace(f))
	}
	return out
}

// DecodeList converts a slice of encoded values back to a
// comma-separated list under the list's element type.
func DecodeList(t Type, vs []uint64) string {
	var elem Type
	switch t {
	case ListUint:
		elem = Uint
	case ListInt:
		elem = Int
	case ListDouble:
		elem = Double
	default:
		return ""
	}
	fields := make([]string, len(vs))
	for i, v := range vs {
		fields[i] = Decode(elem, v)
	}
	return strings.Join(fields, ",")
}

func encodeUint(in string) uint64 {
	v, err := strconv.ParseUint(in, 10, 64)
	if err != nil {
		return Null
	}
	return v
}

func decodeUint(v uint64) string {
	if v == Null {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

func encodeInt(in string) uint64 {
	v, err := strconv.ParseInt(in, 10, 64)
	if err != nil {
		return Null
	}
	return uint64(v)
}

func decodeInt(v uint64) string {
	if v == Null {
		return ""
	}
	return strconv.FormatInt(int64(v), 10)
}

func encodeFloat(in string) uint64 {
	v, err := strconv.ParseFloat(in, 32)
	if err != nil {
		return Null
	}
	return uint64(math.Float32bits(float32(v)))
}

func decodeFloat(v uint64) string {
	if v == Null {
		return ""
	}
	return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'f', 6, 32)
}

func encodeDouble(in string) uint64 {
	v, err := strconv.ParseFloat(in, 64)
	if err != nil {
		return Null
	}
	return math.Float64bits(v)
}

func decodeDouble(v uint64) string {
	if v == Null {
		return ""
	}
	return strconv.FormatFloat(math.Float64frombits(v), 'f', 6, 64)
}

func encodeBool(in string) uint64 {
	if in == "" {
		return Null
	}
	switch in {
	case "F", "f", "FALSE", "false", "0":
		return 0
	}
	return 1
}

func decodeBool(v uint64) string {
	if v == Null {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

// EncodeChars packs the first 7 bytes of the input, NUL-padded,
// little-endian: the first character lands in the low byte.
func encodeChars(in string) uint64 {
	var v uint64
	for i := 0; i < len(in) && i < 7; i++ {
		v |= uint64(in[i]) << (8 * uint(i))
	}
	return v
}

func decodeChars(v uint64) string {
	var b []byte
	for i := 0; i < 8; i++ {
		c := byte(v >> (8 * uint(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

func encodeTime(layout string) func(string) uint64 {
	return func(in string) uint64 {
		t, err := time.ParseInLocation(layout, in, time.Local)
		if err != nil {
			return Null
		}
		return uint64(t.Unix())
	}
}

func decodeTime(layout string) func(uint64) string {
	return func(v uint64) string {
		if v == Null {
			return ""
		}
		return time.Unix(int64(v), 0).Format(layout)
	}
}

func encodeIPv4(in string) uint64 {
	octets := strings.Split(in, ".")
	if len(octets) != 4 {
		return Null
	}
	var v uint64
	for _, o := range octets {
		n, err := strconv.ParseUint(o, 10, 64)
		if err != nil || n >= 256 {
			return Null
		}
		v = v<<8 + n
	}
	return v
}

func decodeIPv4(v uint64) string {
	if v == Null {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
