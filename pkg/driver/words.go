package driver

import "unicode"

// CountWords counts words the way office suites do for mixed-script text:
// each Han character is one word, Latin text counts whitespace-separated
// tokens.
func CountWords(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			count++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		default:
			if !inWord {
				count++
			}
			inWord = true
		}
	}
	return count
}
