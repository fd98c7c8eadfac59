package pipeline

import "unicode"

// detectLang is a cheap script-based guess, enough to route the output
// language when the config says "auto". Latin text reads as English.
func detectLang(text string) string {
	var cyrillic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
		if cyrillic+latin > 2000 {
			break
		}
	}
	if cyrillic+latin == 0 {
		return ""
	}
	if cyrillic > latin {
		return "ru"
	}
	return "en"
}
