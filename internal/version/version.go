// Package version reports the build's VCS revision for the "qdl version"
// command, derived from the embedded build info rather than a baked-in
// string.
package version

import "runtime/debug"

func readParts() (revision string, modified, ok bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false, false
	}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings["vcs.revision"], settings["vcs.modified"] == "true", true
}

// Read returns the full revision, with a "(modified)" suffix if the working
// tree had local changes at build time.
func Read() string {
	revision, modified, ok := readParts()
	if !ok {
		return "<not okay>"
	}
	if modified {
		return revision + " (modified)"
	}
	return revision
}

// ReadBrief returns a short "g<6-hex>[+]" form suitable for a one-line
// banner.
func ReadBrief() string {
	revision, modified, ok := readParts()
	if !ok {
		return "<not okay>"
	}
	modifiedSuffix := ""
	if modified {
		modifiedSuffix = "+"
	}
	if len(revision) > 6 {
		revision = revision[:6]
	}
	return "g" + revision + modifiedSuffix
}
