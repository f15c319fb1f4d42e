// Cityscale
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gateway

import (
	"bytes"
	"encoding/base64"
	"strconv"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
)

// Field describes one result column in the wire format the client protocol
// expects: the type tag is the Vitess-level type name, not MySQL's internal
// type byte.
type Field struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Charset uint16 `json:"charset"`
	Flags   uint16 `json:"flags"`
}

// Row carries one encoded result row: all values concatenated into a single
// base64 blob plus a parallel length array so the client can re-split the
// decoded buffer without any look-ahead. NULL is length -1 and contributes
// no bytes.
type Row struct {
	Lengths []int64 `json:"lengths"`
	Values  string  `json:"values"`
}

// ColumnType derives the wire type tag for a column.
//
// Signedness and binary-ness are flags orthogonal to the base type, while
// the enum/set flags override the base type entirely (MySQL reports ENUM and
// SET columns with their storage type). An unrecognized type is a hard
// error: the protocol requires exact type fidelity, not a best-effort guess.
func ColumnType(field *mysql.Field) (string, error) {
	if field.Flag&mysql.ENUM_FLAG != 0 {
		return "ENUM", nil
	}
	if field.Flag&mysql.SET_FLAG != 0 {
		return "SET", nil
	}
	unsigned := field.Flag&mysql.UNSIGNED_FLAG != 0
	binary := field.Flag&mysql.BINARY_FLAG != 0

	pick := func(signedTag, unsignedTag string) string {
		if unsigned {
			return unsignedTag
		}
		return signedTag
	}
	switch field.Type {
	case mysql.MYSQL_TYPE_TINY:
		return pick("INT8", "UINT8"), nil
	case mysql.MYSQL_TYPE_SHORT:
		return pick("INT16", "UINT16"), nil
	case mysql.MYSQL_TYPE_INT24:
		return pick("INT24", "UINT24"), nil
	case mysql.MYSQL_TYPE_LONG:
		return pick("INT32", "UINT32"), nil
	case mysql.MYSQL_TYPE_LONGLONG:
		return pick("INT64", "UINT64"), nil
	case mysql.MYSQL_TYPE_FLOAT:
		return "FLOAT32", nil
	case mysql.MYSQL_TYPE_DOUBLE:
		return "FLOAT64", nil
	case mysql.MYSQL_TYPE_DECIMAL, mysql.MYSQL_TYPE_NEWDECIMAL:
		return "DECIMAL", nil
	case mysql.MYSQL_TYPE_YEAR:
		return "YEAR", nil
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_NEWDATE:
		return "DATE", nil
	case mysql.MYSQL_TYPE_TIME, mysql.MYSQL_TYPE_TIME2:
		return "TIME", nil
	case mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_DATETIME2:
		return "DATETIME", nil
	case mysql.MYSQL_TYPE_TIMESTAMP, mysql.MYSQL_TYPE_TIMESTAMP2:
		return "TIMESTAMP", nil
	case mysql.MYSQL_TYPE_JSON:
		return "JSON", nil
	case mysql.MYSQL_TYPE_BIT:
		return "BIT", nil
	case mysql.MYSQL_TYPE_GEOMETRY:
		return "GEOMETRY", nil
	case mysql.MYSQL_TYPE_ENUM:
		return "ENUM", nil
	case mysql.MYSQL_TYPE_SET:
		return "SET", nil
	case mysql.MYSQL_TYPE_TINY_BLOB, mysql.MYSQL_TYPE_MEDIUM_BLOB,
		mysql.MYSQL_TYPE_LONG_BLOB, mysql.MYSQL_TYPE_BLOB:
		if binary {
			return "BLOB", nil
		}
		return "TEXT", nil
	case mysql.MYSQL_TYPE_VARCHAR, mysql.MYSQL_TYPE_VAR_STRING:
		if binary {
			return "VARBINARY", nil
		}
		return "VARCHAR", nil
	case mysql.MYSQL_TYPE_STRING:
		if binary {
			return "BINARY", nil
		}
		return "CHAR", nil
	case mysql.MYSQL_TYPE_NULL:
		return "NULL_TYPE", nil
	}
	return "", trace.NotImplemented("unimplemented type %v", field.Type)
}

// EncodeFields converts column metadata into wire field descriptors.
func EncodeFields(fields []*mysql.Field) ([]Field, error) {
	out := make([]Field, 0, len(fields))
	for _, field := range fields {
		tag, err := ColumnType(field)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, Field{
			Name:    string(field.Name),
			Type:    tag,
			Charset: field.Charset,
			Flags:   field.Flag,
		})
	}
	return out, nil
}

// AppendValue appends the wire encoding of one value to buf and returns the
// extended buffer together with the number of bytes contributed, -1 for
// NULL.
//
// Integers and floats encode as decimal text, bytes as raw bytes. Temporal
// values are normalized to the formats the upstream protocol mandates:
// dates as YYYY-MM-DD, datetimes/timestamps as YYYY-MM-DD HH:MM:SS with
// sub-second precision dropped, times as [-]HH:MM:SS where hours absorb the
// day component.
func AppendValue(buf []byte, field *mysql.Field, value mysql.FieldValue) ([]byte, int64, error) {
	start := len(buf)
	switch value.Type {
	case mysql.FieldValueTypeNull:
		return buf, -1, nil
	case mysql.FieldValueTypeSigned:
		buf = strconv.AppendInt(buf, value.AsInt64(), 10)
	case mysql.FieldValueTypeUnsigned:
		buf = strconv.AppendUint(buf, value.AsUint64(), 10)
	case mysql.FieldValueTypeFloat:
		buf = strconv.AppendFloat(buf, value.AsFloat64(), 'f', -1, 64)
	case mysql.FieldValueTypeString:
		buf = appendStringValue(buf, field, value.AsString())
	default:
		return buf, 0, trace.NotImplemented("unimplemented value type %v", value.Type)
	}
	return buf, int64(len(buf) - start), nil
}

func appendStringValue(buf []byte, field *mysql.Field, raw []byte) []byte {
	switch field.Type {
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_NEWDATE:
		return append(buf, truncateFraction(raw)...)
	case mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_DATETIME2,
		mysql.MYSQL_TYPE_TIMESTAMP, mysql.MYSQL_TYPE_TIMESTAMP2:
		return append(buf, truncateFraction(raw)...)
	case mysql.MYSQL_TYPE_TIME, mysql.MYSQL_TYPE_TIME2:
		return appendTimeValue(buf, truncateFraction(raw))
	}
	return append(buf, raw...)
}

// truncateFraction drops a fractional-second suffix. Compatibility with the
// upstream protocol requires whole seconds only.
func truncateFraction(raw []byte) []byte {
	if i := bytes.IndexByte(raw, '.'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// appendTimeValue normalizes a MySQL TIME string to [-]HH:MM:SS. MySQL
// already folds days into the hour component; the only fixup needed is
// zero-padding a single-digit hour.
func appendTimeValue(buf, raw []byte) []byte {
	rest := raw
	if len(rest) > 0 && rest[0] == '-' {
		buf = append(buf, '-')
		rest = rest[1:]
	}
	if i := bytes.IndexByte(rest, ':'); i == 1 {
		buf = append(buf, '0')
	}
	return append(buf, rest...)
}

// EncodeRow encodes one result row: every value appended to a single buffer
// that is base64-encoded once, with per-value lengths emitted alongside.
func EncodeRow(fields []*mysql.Field, values []mysql.FieldValue) (Row, error) {
	if len(fields) != len(values) {
		return Row{}, trace.BadParameter("row has %v values for %v columns", len(values), len(fields))
	}
	var buf []byte
	lengths := make([]int64, 0, len(values))
	for i, value := range values {
		var n int64
		var err error
		buf, n, err = AppendValue(buf, fields[i], value)
		if err != nil {
			return Row{}, trace.Wrap(err)
		}
		lengths = append(lengths, n)
	}
	return Row{
		Lengths: lengths,
		Values:  base64.StdEncoding.EncodeToString(buf),
	}, nil
}
