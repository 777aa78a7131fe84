package transcript

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Redact masks email addresses, card numbers and phone numbers in what the
// device said and what was spoken back. Device identity is left alone.
func Redact(r Record) Record {
	r.Heard = redactText(r.Heard)
	if len(r.Replies) > 0 {
		replies := make([]string, len(r.Replies))
		for i, reply := range r.Replies {
			replies[i] = redactText(reply)
		}
		r.Replies = replies
	}
	return r
}

func redactText(s string) string {
	if s == "" {
		return s
	}
	s = emailPattern.ReplaceAllString(s, "[email]")
	// Cards first so long digit runs are not taken for phone numbers.
	s = cardPattern.ReplaceAllString(s, "[card]")
	return phonePattern.ReplaceAllString(s, "[phone]")
}
