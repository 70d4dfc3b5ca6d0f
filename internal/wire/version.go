package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is exchanged at registration. Equal major means
// compatible; a differing minor or patch is only worth a warning.
const ProtocolVersion = "1.2.0"

// Compat is the result of comparing two protocol versions.
type Compat int

const (
	CompatFull Compat = iota // identical major, minor and patch
	CompatPatchDrift         // equal major, differing minor or patch
	CompatMajorMismatch      // differing major: report, still not fatal
	CompatUnparseable        // one side sent garbage
)

// CompareVersions applies the compatibility rule to two semantic
// version strings.
func CompareVersions(a, b string) Compat {
	am, an, ap, errA := parseVersion(a)
	bm, bn, bp, errB := parseVersion(b)
	if errA != nil || errB != nil {
		return CompatUnparseable
	}
	if am != bm {
		return CompatMajorMismatch
	}
	if an != bn || ap != bp {
		return CompatPatchDrift
	}
	return CompatFull
}

func parseVersion(v string) (major, minor, patch int, err error) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		// Tolerate pre-release suffixes on the patch component.
		if i == 2 {
			if idx := strings.IndexAny(p, "-+"); idx >= 0 {
				p = p[:idx]
			}
		}
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("version %q component %q: %w", v, p, convErr)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
