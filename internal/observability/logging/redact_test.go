package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsByDefault(t *testing.T) {
	attr := MaskField("public_key", "0xdeadbeef")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldAllowlistedPassesThrough(t *testing.T) {
	attr := MaskField("circuit_id", "abcde-fghij")
	require.Equal(t, "abcde-fghij", attr.Value.String())
}

func TestMaskFieldEmptyValueUnchanged(t *testing.T) {
	attr := MaskField("public_key", "")
	require.Equal(t, "", attr.Value.String())
}

func TestIsAllowlistedCaseInsensitive(t *testing.T) {
	require.True(t, IsAllowlisted("Circuit_ID"))
	require.False(t, IsAllowlisted("signature"))
}
