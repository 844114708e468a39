package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCents(t *testing.T) {
	assert.Equal(t, "123.45", Cents(12345).String())
	assert.Equal(t, "0.05", Cents(5).String())
	assert.Equal(t, "-10.00", Cents(-1000).String())
}

func TestParseCents(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1234.56", 123456},
		{"12.5", 1250},
		{"7", 700},
		{"-0.99", -99},
		{".10", 10},
		{"3.100", 310},
	}
	for _, tt := range tests {
		got, err := ParseCents(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "1.001", "abc", "1.x"} {
		_, err := ParseCents(bad)
		assert.Error(t, err, bad)
	}
}
