// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package canonicaljson produces the canonical serialization of a JSON
// value: object keys sorted lexicographically, no insignificant whitespace.
// It is used to compute commitment hashes over message contents, where both
// sides must hash byte-identical input.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// CanonicalJSON canonicalizes the given JSON value after validating it.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, json.Unmarshal(input, &struct{}{})
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid canonicalizes the given JSON value without
// validating it first. The input must be known-valid JSON, e.g. the output
// of json.Marshal.
func CanonicalJSONAssumeValid(input []byte) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, gjson.ParseBytes(input))
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, value gjson.Result) {
	switch {
	case value.IsObject():
		keys := make([]string, 0, 8)
		members := make(map[string]gjson.Result, 8)
		value.ForEach(func(key, val gjson.Result) bool {
			keys = append(keys, key.String())
			members[key.String()] = val
			return true
		})
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(key)
			buf.Write(keyJSON)
			buf.WriteByte(':')
			writeCanonical(buf, members[key])
		}
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		first := true
		value.ForEach(func(_, val gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeCanonical(buf, val)
			return true
		})
		buf.WriteByte(']')
	default:
		// Scalars are emitted exactly as they appeared in the input.
		buf.WriteString(value.Raw)
	}
}
