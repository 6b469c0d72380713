// Package moderation masks contact identifiers in relayed chat text so
// anonymous partners cannot swap handles, links, emails or phone numbers
// before a mutual reveal.
package moderation

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Rule names reported by Sanitize.
const (
	RuleTelegramID = "tg_id"
	RuleLink       = "link"
	RuleUsername   = "username"
	RuleEmail      = "email"
	RulePhone      = "phone"
)

// Compiled once and reused; safe for concurrent use.
var (
	tgIDPattern = regexp.MustCompile(`(?i)tg://user\?id=\d+`)

	// t.me links with or without scheme, then any other http(s) or www link.
	tmePattern = regexp.MustCompile(`(?i)(?:https?://)?t\.me/\S+`)
	urlPattern = regexp.MustCompile(`(?i)(?:https?://\S+|www\.\S+)`)

	usernamePattern = regexp.MustCompile(`@[\p{L}\p{N}_]{3,}`)
	emailPattern    = regexp.MustCompile(`[\p{L}\p{N}_.\-]+@[\p{L}\p{N}_.\-]+\.[\p{L}\p{N}_]+`)
	phonePattern    = regexp.MustCompile(`\+?\d[\d\-\s()]{8,}\d`)
)

type rule struct {
	name     string
	pattern  *regexp.Regexp
	repl     string
	notAfter func(r rune) bool // match is skipped when the preceding rune satisfies this
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isDigitRune(r rune) bool {
	return r >= '0' && r <= '9'
}

// rules run in order; later rules see earlier replacements.
var rules = []rule{
	{name: RuleTelegramID, pattern: tgIDPattern, repl: "[hidden]"},
	{name: RuleLink, pattern: tmePattern, repl: "[link hidden]"},
	{name: RuleLink, pattern: urlPattern, repl: "[link hidden]"},
	// RE2 has no lookbehind; the "not preceded by" checks run in code.
	{name: RuleUsername, pattern: usernamePattern, repl: "@hidden", notAfter: isWordRune},
	{name: RuleEmail, pattern: emailPattern, repl: "[email hidden]"},
	{name: RulePhone, pattern: phonePattern, repl: "[phone hidden]", notAfter: isDigitRune},
}

// Sanitize returns text with contact identifiers masked and the names of the
// rules that fired, without duplicates, in rule order.
func Sanitize(text string) (string, []string) {
	var fired []string
	for _, r := range rules {
		out, n := r.apply(text)
		if n == 0 {
			continue
		}
		text = out
		if len(fired) == 0 || fired[len(fired)-1] != r.name {
			fired = append(fired, r.name)
		}
	}
	return text, fired
}

func (r rule) apply(s string) (string, int) {
	matches := r.pattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s, 0
	}

	out := make([]byte, 0, len(s))
	last, n := 0, 0
	for _, m := range matches {
		if r.notAfter != nil && m[0] > 0 {
			prev, _ := utf8.DecodeLastRuneInString(s[:m[0]])
			if r.notAfter(prev) {
				continue
			}
		}
		out = append(out, s[last:m[0]]...)
		out = append(out, r.repl...)
		last = m[1]
		n++
	}
	if n == 0 {
		return s, 0
	}
	out = append(out, s[last:]...)
	return string(out), n
}
