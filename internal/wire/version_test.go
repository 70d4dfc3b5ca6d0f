package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want Compat
	}{
		{"1.2.0", "1.2.0", CompatFull},
		{"1.2.0", "1.2.9", CompatPatchDrift},
		{"1.2.0", "1.3.0", CompatPatchDrift},
		{"1.2.0", "2.0.0", CompatMajorMismatch},
		{"v1.2.0", "1.2.0", CompatFull},
		{"v1.2.0", "1.2.3", CompatPatchDrift},
		{"1.2.3-rc.1", "1.2.3", CompatFull},
		{"banana", "1.2.0", CompatUnparseable},
		{"1.2", "1.2.0", CompatUnparseable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}
