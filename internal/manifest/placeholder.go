package manifest

import "strings"

// Placeholders returns the names of every {name} placeholder in s, in order.
// Run-time references of the form ${NAME} are not placeholders.
func Placeholders(s string) []string {
	var names []string
	_, _ = ExpandPlaceholders(s, func(name string) (string, bool) {
		names = append(names, name)
		return "", true
	})
	return names
}

// ExpandPlaceholders substitutes every {name} placeholder through lookup.
// A name is letters, digits, '_', '-' and '.'; braces around anything else,
// such as a Python dict literal in a verify command, are copied verbatim, as
// are ${NAME} sequences, which are expanded later from the build environment. Names lookup cannot resolve are returned in unresolved and
// left in place.
func ExpandPlaceholders(s string, lookup func(name string) (string, bool)) (string, []string) {
	if !strings.Contains(s, "{") {
		return s, nil
	}
	var b strings.Builder
	var unresolved []string
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			b.WriteString(s[i : i+end+1])
			i += end
			continue
		}
		if c != '{' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		name := s[i+1 : i+end]
		if !isPlaceholderName(name) {
			b.WriteByte(c)
			continue
		}
		if v, ok := lookup(name); ok {
			b.WriteString(v)
		} else {
			unresolved = append(unresolved, name)
			b.WriteString(s[i : i+end+1])
		}
		i += end
	}
	return b.String(), unresolved
}

// PackageRef splits a {pkg.FLAG} placeholder into package and flag name.
func PackageRef(name string) (pkg, flag string, ok bool) {
	pkg, flag, ok = strings.Cut(name, ".")
	if !ok || pkg == "" || flag == "" {
		return "", "", false
	}
	return pkg, flag, true
}

func isPlaceholderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
