package misc

import (
	"strings"
	"unicode"
)

// IsInternalKey reports whether a physical key belongs to one of the finguard namespaces
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, SecurePrefix) || strings.HasPrefix(key, MetaPrefix)
}

// Tokens splits an identifier into lower-case words at separators, case
// changes and letter/digit boundaries: "webhookURL" gives [webhook url],
// "api_token" gives [api token].
func Tokens(name string) []string {
	runes := []rune(name)
	var tokens []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			tokens = append(tokens, strings.ToLower(string(current)))
			current = current[:0]
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(current) > 0 {
			prev := runes[i-1]
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(r):
				flush()
			case unicode.IsUpper(prev) && unicode.IsUpper(r) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				flush()
			case unicode.IsDigit(prev) != unicode.IsDigit(r):
				flush()
			}
		}
		current = append(current, r)
	}
	flush()
	return tokens
}

// HasTokenPrefix reports whether any token of name starts with one of the terms
func HasTokenPrefix(name string, terms []string) (string, bool) {
	for _, token := range Tokens(name) {
		for _, term := range terms {
			if strings.HasPrefix(token, term) {
				return term, true
			}
		}
	}
	return "", false
}
