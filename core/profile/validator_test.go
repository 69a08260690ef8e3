package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name  string
		input string
		valid bool
	}{
		{"Empty", "", false},
		{"TooShort", "ab", false},
		{"MinLength", "abc", true},
		{"MaxLength", strings.Repeat("a", 20), true},
		{"TooLong", strings.Repeat("a", 21), false},
		{"Underscore", "night_owl_99", true},
		{"Hyphen", "night-owl", false},
		{"Space", "night owl", false},
		{"NonASCII", "ñandú_1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ValidateUsername(tc.input)
			assert.Equal(t, tc.valid, r.IsValid)
			if !tc.valid {
				assert.NotEmpty(t, r.ErrorMessage)
			}
		})
	}
}

func TestValidateArtistName(t *testing.T) {
	assert.False(t, ValidateArtistName(" a ").IsValid)
	assert.True(t, ValidateArtistName("  DJ  ").IsValid)
	assert.True(t, ValidateArtistName(strings.Repeat("x", 50)).IsValid)
	assert.False(t, ValidateArtistName(strings.Repeat("x", 51)).IsValid)
}

func TestValidateStep(t *testing.T) {
	assert.True(t, ValidateStep(StepBio, "").IsValid)
	assert.False(t, ValidateStep(StepUsername, "a").IsValid)
	assert.True(t, ValidateStep(StepArtistName, "Band").IsValid)
	assert.False(t, ValidateStep(SetupStep("color"), "red").IsValid)
}
