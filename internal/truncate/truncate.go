package truncate

import "unicode/utf8"

// DefaultMaxLength is the number of characters kept from a stored response body
const DefaultMaxLength = 10000

// Marker is appended to bodies that were cut
const Marker = "...[truncated]"

// Body returns body unchanged when it has at most max characters,
// otherwise its first max characters followed by Marker.
func Body(body string, max int) string {
	if max < 0 {
		max = 0
	}
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	n := 0
	for i := range body {
		if n == max {
			return body[:i] + Marker
		}
		n++
	}
	return body
}

// Ptr truncates a possibly nil body with DefaultMaxLength
func Ptr(body *string) *string {
	if body == nil {
		return nil
	}
	out := Body(*body, DefaultMaxLength)
	return &out
}
