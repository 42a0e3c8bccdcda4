package toolinfo

import (
	"go/token"
	"strings"
	"unicode"
)

var initialisms = map[string]string{
	"id":   "ID",
	"url":  "URL",
	"api":  "API",
	"http": "HTTP",
	"json": "JSON",
	"uuid": "UUID",
	"ip":   "IP",
}

func words(name string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	rs := []rune(name)
	for i, r := range rs {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1])):
			flush()
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

func title(w string) string {
	if up, ok := initialisms[w]; ok {
		return up
	}
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}

// GoIdent converts a tool or item name to an exported Go identifier:
// "book_reservation" -> "BookReservation".
func GoIdent(name string) string {
	var b strings.Builder
	for _, w := range words(name) {
		b.WriteString(title(w))
	}
	s := b.String()
	if s == "" {
		return "X"
	}
	if unicode.IsDigit(rune(s[0])) {
		s = "X" + s
	}
	return s
}

// GoParamName converts a parameter name to an unexported Go identifier that
// is never a keyword or a generated local: "user_id" -> "userID", "type" -> "type_".
func GoParamName(name string) string {
	ws := words(name)
	if len(ws) == 0 {
		return "arg"
	}
	var b strings.Builder
	b.WriteString(ws[0])
	for _, w := range ws[1:] {
		b.WriteString(title(w))
	}
	s := b.String()
	if unicode.IsDigit(rune(s[0])) {
		s = "p" + s
	}
	if token.IsKeyword(s) || reservedParams[s] {
		s += "_"
	}
	return s
}

// reservedParams are identifiers generated guard code already binds.
var reservedParams = map[string]bool{
	"ctx": true, "c": true, "g": true, "args": true, "inv": true, "api": true, "err": true,
	"out": true, "zero": true, "guard": true, "domain": true, "context": true, "fmt": true,
}

// PackageName converts a name to a Go package name: "book_reservation" -> "bookreservation".
func PackageName(name string) string {
	s := strings.Join(words(name), "")
	if s == "" {
		return "pkg"
	}
	if unicode.IsDigit(rune(s[0])) {
		s = "p" + s
	}
	if token.IsKeyword(s) {
		s += "pkg"
	}
	return s
}

// SnakeCase normalizes free text to a snake_case identifier.
func SnakeCase(name string) string {
	return strings.Join(words(name), "_")
}
