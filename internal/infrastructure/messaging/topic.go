package messaging

import "strings"

// MatchRoutingKey reports whether a dot-separated routing key matches a topic
// pattern. "*" matches exactly one segment and "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch head := pattern[0]; head {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != head {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}

	return len(key) == 0
}
