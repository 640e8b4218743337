package devices

import (
	"strings"

	"golang.org/x/mod/semver"
)

// normalizeBuild turns a cast build revision like "1.56.500000" into the
// "v"-prefixed form the semver package requires.
func normalizeBuild(build string) string {
	build = strings.TrimSpace(build)
	if build == "" {
		return ""
	}
	if !strings.HasPrefix(build, "v") {
		build = "v" + build
	}
	return build
}

// buildAtLeast reports whether build satisfies min. Unknown or unparsable
// builds pass: only a build known to be too old hides a sink.
func buildAtLeast(build, min string) bool {
	minNorm := normalizeBuild(min)
	if minNorm == "" || !semver.IsValid(minNorm) {
		return true
	}

	buildNorm := normalizeBuild(build)
	if buildNorm == "" || !semver.IsValid(buildNorm) {
		return true
	}
	return semver.Compare(buildNorm, minNorm) >= 0
}
