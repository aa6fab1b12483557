package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    Field
		dt   DatabaseType
	}{
		{"int", NewIntField(-42), NewIntType()},
		{"int zero", NewIntField(0), NewIntType()},
		{"int max", NewIntField(1<<31 - 1), NewIntType()},
		{"float", NewFloatField(3.5), NewFloatType()},
		{"float negative", NewFloatField(-0.25), NewFloatType()},
		{"string", NewStringField("hello"), NewStringType(10)},
		{"string full width", NewStringField("0123456789"), NewStringType(10)},
		{"string empty", NewStringField(""), NewStringType(10)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.dt.ByteSize())
			require.NoError(t, EncodeField(buf, tc.f, tc.dt))

			got, err := DecodeField(buf, tc.dt)
			require.NoError(t, err)
			assert.True(t, tc.f.Equals(got), "want %v, got %v", tc.f, got)
		})
	}
}

func TestStringZeroPaddingEquivalence(t *testing.T) {
	dt := NewStringType(8)
	buf := make([]byte, dt.ByteSize())
	require.NoError(t, EncodeField(buf, NewStringField("abc"), dt))

	// The remaining bytes must be zero padding.
	for i := 3; i < 8; i++ {
		assert.Zero(t, buf[i])
	}

	got, err := DecodeField(buf, dt)
	require.NoError(t, err)
	assert.True(t, NewStringField("abc").Equals(got))
	assert.True(t, got.Equals(NewStringField("abc\x00\x00")))
}

func TestStringTooLongRejected(t *testing.T) {
	dt := NewStringType(4)
	buf := make([]byte, dt.ByteSize())
	err := EncodeField(buf, NewStringField("toolong"), dt)
	assert.Error(t, err)
}

func TestStringSizeClamped(t *testing.T) {
	dt := NewStringType(500)
	assert.Equal(t, uint32(MaxStringSize), dt.Size)
}

func TestKindMismatchRejected(t *testing.T) {
	buf := make([]byte, 4)
	err := EncodeField(buf, NewIntField(1), NewFloatType())
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Field
		op   Predicate
		want bool
	}{
		{NewIntField(1), NewIntField(2), LessThan, true},
		{NewIntField(2), NewIntField(2), Equals, true},
		{NewIntField(3), NewIntField(2), GreaterThan, true},
		{NewIntField(3), NewIntField(3), GreaterThanOrEqual, true},
		{NewIntField(1), NewIntField(2), NotEqual, true},
		{NewFloatField(1.5), NewFloatField(2.5), LessThanOrEqual, true},
		{NewStringField("abc"), NewStringField("abd"), LessThan, true},
		{NewStringField("abc"), NewStringField("abc\x00\x00"), Equals, true},
	}
	for _, tc := range tests {
		got, err := tc.a.Compare(tc.op, tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%v %v %v", tc.a, tc.op, tc.b)
	}
}

func TestCompareOrderTotal(t *testing.T) {
	assert.Negative(t, CompareOrder(NewIntField(1), NewIntField(2)))
	assert.Zero(t, CompareOrder(NewIntField(2), NewIntField(2)))
	assert.Positive(t, CompareOrder(NewStringField("b"), NewStringField("a")))
}

func TestDatabaseTypeCodec(t *testing.T) {
	for _, dt := range []DatabaseType{NewIntType(), NewFloatType(), NewStringType(17)} {
		buf := make([]byte, EncodedSize())
		dt.Encode(buf)
		got, err := DecodeDatabaseType(buf)
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
}

func TestParseField(t *testing.T) {
	f, err := ParseField("-7", NewIntType())
	require.NoError(t, err)
	assert.Equal(t, NewIntField(-7), f)

	f, err = ParseField("2.5", NewFloatType())
	require.NoError(t, err)
	assert.Equal(t, NewFloatField(2.5), f)

	f, err = ParseField("xyz", NewStringType(10))
	require.NoError(t, err)
	assert.Equal(t, NewStringField("xyz"), f)

	_, err = ParseField("notanint", NewIntType())
	assert.Error(t, err)
}
