package codec_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Tagging(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  domain.EncodedValue
		kind  codec.Kind
	}{
		{"string", "jack", "[STRING]jack", codec.KindString},
		{"empty string", "", "[STRING]", codec.KindString},
		{"string that looks like a number", "19", "[STRING]19", codec.KindString},
		{"int", 19, "19", codec.KindNumber},
		{"negative int64", int64(-7), "-7", codec.KindNumber},
		{"float", 1.5, "1.5", codec.KindNumber},
		{"bool", false, "false", codec.KindBool},
		{"json number", json.Number("42"), "42", codec.KindNumber},
		{"map", map[string]any{"mother": "jack mom"}, `[COMPLEX]{"mother":"jack mom"}`, codec.KindComplex},
		{"slice", []any{1, "a"}, `[COMPLEX][1,"a"]`, codec.KindComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.kind, codec.KindOf(got))
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	_, err := codec.Encode(nil)
	assert.ErrorIs(t, err, codec.ErrUndefined)

	var nilMap *map[string]any
	_, err = codec.Encode(nilMap)
	assert.ErrorIs(t, err, codec.ErrUndefined)

	_, err = codec.Encode(math.NaN())
	assert.ErrorIs(t, err, codec.ErrUnsupported)

	_, err = codec.Encode(make(chan int))
	assert.ErrorIs(t, err, codec.ErrUnsupported)
}

func TestDecode_RoundTripShapes(t *testing.T) {
	parent := map[string]any{"mother": "jack mom", "father": "jack Dad"}
	list := []any{map[string]any{"mother": "jack mom"}, map[string]any{"father": "jack Dad"}}

	cases := map[string]struct {
		in   any
		want any
	}{
		"string":  {"jack", "jack"},
		"number":  {19, float64(19)},
		"bool":    {true, true},
		"object":  {parent, parent},
		"list":    {list, list},
		"tagged":  {"[STRING]nested", "[STRING]nested"},
		"numeric": {"3.14", "3.14"},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			enc, err := codec.Encode(c.in)
			require.NoError(t, err)
			got, err := codec.Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := codec.Decode("not-a-value")
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, err = codec.Decode("[COMPLEX]{broken")
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestValidate(t *testing.T) {
	for _, ok := range []domain.EncodedValue{"[STRING]", "[STRING]hi", "true", "-1.5e3", `[COMPLEX]{"a":[1,2]}`} {
		assert.NoError(t, codec.Validate(ok), ok)
	}
	for _, bad := range []domain.EncodedValue{"", "garbage", "NaN", "+Inf", "-infinity", "1e400", "[COMPLEX]{broken", "[COMPLEX]"} {
		assert.ErrorIs(t, codec.Validate(bad), codec.ErrMalformed, bad)
	}
}

func TestDecode_RejectsNonFiniteNumbers(t *testing.T) {
	assert.Equal(t, codec.KindInvalid, codec.KindOf("NaN"))
	_, err := codec.Decode("Inf")
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestDecodeInto_Struct(t *testing.T) {
	type Parent struct {
		Mother string `json:"mother"`
		Father string `json:"father"`
		Age    int    `json:"age"`
	}

	enc, err := codec.Encode(Parent{Mother: "jack mom", Father: "jack Dad", Age: 40})
	require.NoError(t, err)

	var got Parent
	require.NoError(t, codec.DecodeInto(enc, &got))
	assert.Equal(t, Parent{Mother: "jack mom", Father: "jack Dad", Age: 40}, got)

	var age int
	require.NoError(t, codec.DecodeInto("19", &age))
	assert.Equal(t, 19, age)
}
