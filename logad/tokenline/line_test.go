package tokenline

import (
	"testing"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "1,C625$@DOM1,U147@DOM1,C625,C625,Negotiate,Batch,LogOn,Success\n"

func TestNormalizeLANL(t *testing.T) {
	line := Normalize(FormatLANL, sample, 8)

	require.True(t, line.Valid)
	assert.Equal(t, "1", line.Timestamp)
	assert.Equal(t, []string{
		"c625$@dom1", "u147@dom1", "c625", "c625",
		"negotiate", "batch", "logon", "success",
	}, line.Tokens)
	assert.Equal(t, "1,c625$@dom1,c625,c625", line.Key())
	assert.Equal(t, FormatLANL, line.Format())
}

func TestNormalizePadAndTruncate(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   []string
	}{
		{
			name:   "padded at the tail",
			length: 10,
			want: []string{
				"c625$@dom1", "u147@dom1", "c625", "c625",
				"negotiate", "batch", "logon", "success", PadToken, PadToken,
			},
		},
		{
			name:   "truncated to the first fields",
			length: 3,
			want:   []string{"c625$@dom1", "u147@dom1", "c625"},
		},
		{
			name:   "zero keeps natural width",
			length: 0,
			want: []string{
				"c625$@dom1", "u147@dom1", "c625", "c625",
				"negotiate", "batch", "logon", "success",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := Normalize(FormatLANL, sample, tt.length)
			require.True(t, line.Valid)
			assert.Equal(t, tt.want, line.Tokens)
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, raw := range []string{"", "\n", "   \r\n", "1,u1,u2,c1", "a,b,c,d,e,f,g,h"} {
		line := Normalize(FormatLANL, raw, 8)
		assert.False(t, line.Valid, "raw=%q", raw)
		assert.Empty(t, line.Tokens, "raw=%q", raw)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	line := Normalize(FormatLANL, sample, 8)
	require.True(t, line.Valid)

	again := Normalize(FormatLANL, line.Timestamp+","+line.String(), 8)
	assert.True(t, line.Equal(again))
	assert.Equal(t, line.Key(), again.Key())

	assert.Equal(t, line.Tokens, line.Resize(8).Tokens)
	assert.Equal(t, line.Tokens, AdjustToLength(line.Tokens, len(line.Tokens)))
}

func TestEqual(t *testing.T) {
	a := Normalize(FormatLANL, sample, 8)
	b := Normalize(FormatLANL, "99,C625$@DOM1,U147@DOM1,C625,C625,Negotiate,Batch,LogOn,Success", 8)
	c := Normalize(FormatLANL, "1,C625$@DOM1,U147@DOM1,C625,C625,Negotiate,Batch,LogOn,Fail", 8)

	// Timestamps are not part of the semantic tokens
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(Line{}))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" LANL ")
	require.NoError(t, err)
	assert.Equal(t, FormatLANL, f)
	assert.Equal(t, "lanl", f.String())
	assert.Equal(t, 8, f.Width())

	_, err = ParseFormat("vast")
	assert.ErrorIs(t, err, common.ErrUnknownFormat)
}
