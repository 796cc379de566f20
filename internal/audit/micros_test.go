package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMicros(t *testing.T) {
	cases := []struct {
		in   string
		want Micros
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"12.5", 12_500_000},
		{"0.000001", 1},
		{"1234.567890", 1_234_567_890},
		{"-3.25", -3_250_000},
		{"+7", 7_000_000},
		{".5", 500_000},
		{"100.", 100_000_000},
	}
	for _, c := range cases {
		got, err := ParseMicros(c.in)
		require.NoError(t, err, "input %q", c.in)
		require.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestParseMicrosRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2345678", "1.2.3", "-", "12a"} {
		_, err := ParseMicros(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestMicrosString(t *testing.T) {
	cases := []struct {
		in   Micros
		want string
	}{
		{0, "0"},
		{1_000_000, "1"},
		{12_500_000, "12.5"},
		{1, "0.000001"},
		{-3_250_000, "-3.25"},
		{1_234_567_890, "1234.56789"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.in.String())
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	for _, v := range []Micros{0, 1, -1, 999_999, 1_000_000, 123_456_789_012} {
		parsed, err := ParseMicros(v.String())
		require.NoError(t, err)
		require.Equal(t, v, parsed)
	}
}
