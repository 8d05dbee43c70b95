package permission

import "strings"

// MatchPattern reports whether a resource matches a whitelist pattern.
// Grounded on tools/policy.matchToolPattern's style: explicit prefix/
// suffix boundary checks rather than a glob library, since the pattern
// grammar here is narrower than full glob semantics:
//
//   - "*" and "**/*" match anything.
//   - "*.ext" matches any resource ending in ".ext".
//   - "/dir/*" matches immediate children of /dir only (boundary-checked
//     so "/tmp/*" does not match "/tmpx/...").
//   - "/dir/**" matches any descendant of /dir, recursively.
//   - anything else matches only by exact string equality.
//
// For filesystem resources this also bi-directionally normalizes the
// /tmp <-> /private/tmp alias before comparing, since /tmp is a symlink
// to /private/tmp on some platforms.
func MatchPattern(pattern, resource string) bool {
	if pattern == "*" || pattern == "**/*" {
		return true
	}

	candidates := tmpAliases(resource)

	for _, r := range candidates {
		if matchOne(pattern, r) {
			return true
		}
	}
	return false
}

func matchOne(pattern, resource string) bool {
	switch {
	case strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern[1:], "/"):
		ext := pattern[1:]
		return strings.HasSuffix(resource, ext)

	case strings.HasSuffix(pattern, "/**"):
		dir := strings.TrimSuffix(pattern, "/**")
		return resource == dir || strings.HasPrefix(resource, dir+"/")

	case strings.HasSuffix(pattern, "/*"):
		dir := strings.TrimSuffix(pattern, "/*")
		if !strings.HasPrefix(resource, dir+"/") {
			return false
		}
		rest := resource[len(dir)+1:]
		return !strings.Contains(rest, "/")

	default:
		return pattern == resource
	}
}

// tmpAliases returns the resource plus its /tmp <-> /private/tmp
// counterpart, so a rule written against either alias matches both.
func tmpAliases(resource string) []string {
	out := []string{resource}
	switch {
	case resource == "/tmp" || strings.HasPrefix(resource, "/tmp/"):
		out = append(out, "/private"+resource)
	case resource == "/private/tmp" || strings.HasPrefix(resource, "/private/tmp/"):
		out = append(out, strings.TrimPrefix(resource, "/private"))
	}
	return out
}
