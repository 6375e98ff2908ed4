package action

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatible(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		v    any
		want bool
	}{
		{"bool strict", TypeBool, true, true},
		{"int is not bool", TypeBool, 1, false},
		{"int widens to float", TypeFloat, 3, true},
		{"json int widens to float", TypeFloat, json.Number("3"), true},
		{"float does not narrow", TypeInt, 3.0, false},
		{"json float does not narrow", TypeInt, json.Number("3.0"), false},
		{"json int is int", TypeInt, json.Number("3"), true},
		{"string", TypeString, "x", true},
		{"number is not string", TypeString, 1, false},
		{"any", TypeAny, []int{1}, true},
		{"inf is not a float", TypeFloat, math.Inf(1), false},
		{"nan is not a float", TypeFloat, math.NaN(), false},
		{"float32 inf is not a float", TypeFloat, float32(math.Inf(-1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compatible(tt.typ, tt.v))
		})
	}
}

func TestArgsGetters(t *testing.T) {
	a := Args{"ch": json.Number("2"), "amp": 1, "on": true, "mode": "SINE"}

	ch, err := a.Int("ch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ch)

	amp, err := a.Float("amp")
	require.NoError(t, err)
	assert.Equal(t, 1.0, amp)

	on, err := a.Bool("on")
	require.NoError(t, err)
	assert.True(t, on)

	mode, err := a.String("mode")
	require.NoError(t, err)
	assert.Equal(t, "SINE", mode)

	_, err = a.Int("missing")
	assert.ErrorContains(t, err, "missing argument")
	_, err = a.Bool("ch")
	assert.ErrorContains(t, err, "expected bool")
}

func TestParseArg(t *testing.T) {
	v, err := ParseArg(Param{Name: "ch", Type: TypeInt}, "2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = ParseArg(Param{Name: "on", Type: TypeBool}, "off")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = ParseArg(Param{Name: "f", Type: TypeFloat}, "2.5e3")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, v)

	v, err = ParseArg(Param{Name: "s", Type: TypeString}, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	_, err = ParseArg(Param{Name: "ch", Type: TypeInt}, "1.5")
	assert.Error(t, err)

	v, err = ParseArg(Param{Name: "x"}, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	for _, raw := range []string{"inf", "-Inf", "NaN", "+infinity"} {
		_, err = ParseArg(Param{Name: "amplitude", Type: TypeFloat}, raw)
		assert.ErrorContains(t, err, "is not a finite number", raw)

		v, err = ParseArg(Param{Name: "x", Type: TypeAny}, raw)
		require.NoError(t, err)
		assert.Equal(t, raw, v)
	}
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite(1.5))
	assert.True(t, Finite(3))
	assert.True(t, Finite("inf"))
	assert.False(t, Finite(math.Inf(1)))
	assert.False(t, Finite(math.NaN()))
	assert.False(t, Finite(float32(math.Inf(1))))
}
