// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONAssumeValid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"{}", "{}"},
		{`[{"b":"two","a":1}]`, `[{"a":1,"b":"two"}]`},
		{`{"B":{"4":4,"3":3},"A":{"1":1,"2":2}}`, `{"A":{"1":1,"2":2},"B":{"3":3,"4":4}}`},
		{`[true,false,null]`, `[true,false,null]`},
		{`[9007199254740991]`, `[9007199254740991]`},
		{"\t\n[9007199254740991]", `[9007199254740991]`},
		{`{ "a" : [ 1 , 2 ] , "0" : "x" }`, `{"0":"x","a":[1,2]}`},
		{`{"method":"m.sas.v1","from_device":"ABCD"}`, `{"from_device":"ABCD","method":"m.sas.v1"}`},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			assert.Equal(t, test.want, string(CanonicalJSONAssumeValid([]byte(test.input))))
		})
	}
}

func TestCanonicalJSON_Invalid(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	require.Error(t, err)
}

func TestCanonicalJSON_Valid(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}
