package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJQFilterMatching(t *testing.T) {
	event := []byte(`{"escrow_address":"rEscrow","transfer_token":"GOLD","payment_amount":"25","memo":null}`)

	tests := []struct {
		name    string
		filters []string
		want    bool
	}{
		{name: "no filters", filters: nil, want: true},
		{name: "single match", filters: []string{`.transfer_token == "GOLD"`}, want: true},
		{name: "single miss", filters: []string{`.transfer_token == "SILVER"`}, want: false},
		{name: "all must match", filters: []string{`.escrow_address == "rEscrow"`, `.transfer_token == "SILVER"`}, want: false},
		{name: "numeric comparison", filters: []string{`(.payment_amount | tonumber) > 10`}, want: true},
		{name: "null is falsy", filters: []string{`.memo`}, want: false},
		{name: "string is truthy", filters: []string{`.escrow_address`}, want: true},
		{name: "empty output", filters: []string{`empty`}, want: false},
		{name: "runtime error", filters: []string{`.escrow_address | tonumber`}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, matchesAll(codes, event))
		})
	}
}

func TestJQFilterMatching_InvalidJSON(t *testing.T) {
	codes, err := compileFilters([]string{`.a`})
	require.NoError(t, err)
	assert.False(t, matchesAll(codes, []byte("not json")))
}

func TestCompileFilters_ParseError(t *testing.T) {
	_, err := compileFilters([]string{`.a ==`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}
