package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ValidForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"local form", "0712345678", "255712345678"},
		{"international form", "+255712345678", "255712345678"},
		{"bare country code", "255712345678", "255712345678"},
		{"local with 6 prefix", "0653123456", "255653123456"},
		{"international with 6 prefix", "+255653123456", "255653123456"},
		{"spaces ignored", "0712 345 678", "255712345678"},
		{"hyphens ignored", "+255-712-345-678", "255712345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short local", "071234567"},
		{"too long local", "07123456789"},
		{"landline prefix", "0222345678"},
		{"bad mobile digit after country code", "255812345678"},
		{"wrong country code", "254712345678"},
		{"letters", "07123A5678"},
		{"plus not leading", "07+12345678"},
		{"bare subscriber part", "712345678"},
		{"double zero prefix", "00712345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.input)
			assert.ErrorIs(t, err, ErrInvalidNumber)
			assert.False(t, IsValid(tt.input))
		})
	}
}
