package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Version dots", raw: "Octopus Pro v1.1", expected: "octopus-pro-v1-1"},
		{name: "Accents fold", raw: "Café MCU", expected: "cafe-mcu"},
		{name: "Underscores", raw: "EBB_36 toolhead", expected: "ebb-36-toolhead"},
		{name: "Symbols dropped", raw: "Nitehawk (SB) #2", expected: "nitehawk-sb-2"},
		{name: "Dash runs collapse", raw: "  --Manta -- M8P--  ", expected: "manta-m8p"},
		{name: "Only symbols", raw: "!!!", expectErr: true},
		{name: "Empty", raw: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Slug(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSlug_Truncates(t *testing.T) {
	got, err := Slug(strings.Repeat("a", 70))
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestUniqueKey(t *testing.T) {
	existing := map[string]bool{"octopus": true, "octopus-2": true}
	taken := func(k string) bool { return existing[k] }

	got, err := UniqueKey("Octopus", taken)
	require.NoError(t, err)
	assert.Equal(t, "octopus-3", got)

	got, err = UniqueKey("Spider", taken)
	require.NoError(t, err)
	assert.Equal(t, "spider", got)

	long := strings.Repeat("b", 64)
	got, err = UniqueKey(long, func(k string) bool { return k == long })
	require.NoError(t, err)
	assert.Len(t, got, 64)
	assert.True(t, strings.HasSuffix(got, "-2"))
}

func TestValidKey(t *testing.T) {
	assert.NoError(t, ValidKey("octopus-pro_1"))
	assert.Error(t, ValidKey(""))
	assert.Error(t, ValidKey("-leading"))
	assert.Error(t, ValidKey("Upper"))
	assert.Error(t, ValidKey(strings.Repeat("a", 65)))
}
