package sanitizer

import "strings"

type Strategy func(string) string

type Pipeline []Strategy

func (p Pipeline) Apply(s string) string {
	for _, fn := range p {
		s = fn(s)
	}
	return s
}

func trimAndLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail trims and lowercases an address. Inner whitespace makes the
// address unusable, so it yields "".
func NormalizeEmail(email string) string {
	p := Pipeline{
		trimAndLower,
		func(s string) string {
			if strings.ContainsFunc(s, isSpace) {
				return ""
			}
			return s
		},
	}
	return p.Apply(email)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
