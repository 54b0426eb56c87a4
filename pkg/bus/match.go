package bus

import "strings"

// MatchRoutingKey reports whether a routing key matches a binding
// pattern. Patterns follow topic-exchange semantics: words separated by
// dots, "*" matches exactly one word, "#" matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// "#" may swallow any number of words, including none.
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// matchAny reports whether the key matches at least one binding.
func matchAny(bindings []string, key string) bool {
	for _, b := range bindings {
		if MatchRoutingKey(b, key) {
			return true
		}
	}
	return false
}
