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

// Package utils contains small helpers shared across cityscale packages.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/gravitational/trace"
)

// CryptoRandomHex returns hex encoded random string generated with
// crypto-strong pseudo random generator of the given bytes.
func CryptoRandomHex(len int) (string, error) {
	randomBytes := make([]byte, len)
	if _, err := rand.Reader.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// alphanumeric excludes characters that need quoting in connection URLs.
const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CryptoRandomString returns an alphanumeric string of the given length
// generated with a crypto-strong pseudo random generator. Used for generated
// database user passwords and bootstrap secrets.
func CryptoRandomString(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		out[i] = alphanumeric[n.Int64()]
	}
	return string(out), nil
}
