package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed release version. Builds that are not tagged releases
// ("dev", "dev-abc1234-dirty") are dev versions.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	dev                 bool
}

// ParseVersion parses "v1.2.3", "1.2.3" and "1.2.3-rc.1". Anything else is
// a dev version.
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	core, pre, _ := strings.Cut(s, "-")

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{dev: true}
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{dev: true}
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre}
}

// IsDev reports whether v is an untagged build.
func (v Version) IsDev() bool {
	return v.dev
}

// IsOlderThan reports whether v precedes other. A pre-release precedes the
// release of the same number.
func (v Version) IsOlderThan(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	switch {
	case v.Pre == other.Pre:
		return false
	case v.Pre == "":
		return false
	case other.Pre == "":
		return true
	}
	return v.Pre < other.Pre
}

func (v Version) String() string {
	if v.dev {
		return "dev"
	}
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}
