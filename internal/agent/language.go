package agent

import "github.com/abadojack/whatlanggo"

// locales maps the languages a caller may speak to the Indian locales the
// synthesis voices accept.
var locales = map[whatlanggo.Lang]string{
	whatlanggo.Eng: "en-IN",
	whatlanggo.Hin: "hi-IN",
	whatlanggo.Ben: "bn-IN",
	whatlanggo.Tam: "ta-IN",
	whatlanggo.Tel: "te-IN",
	whatlanggo.Kan: "kn-IN",
	whatlanggo.Mal: "ml-IN",
	whatlanggo.Mar: "mr-IN",
	whatlanggo.Guj: "gu-IN",
	whatlanggo.Pan: "pa-IN",
	whatlanggo.Ori: "od-IN",
}

// detectOptions restricts detection to the supported languages so that
// close relatives (Bhojpuri for Hindi, Scots for English) do not win.
var detectOptions = func() whatlanggo.Options {
	whitelist := make(map[whatlanggo.Lang]bool, len(locales))
	for lang := range locales {
		whitelist[lang] = true
	}
	return whatlanggo.Options{Whitelist: whitelist}
}()

// DetectLanguage guesses the locale of a caller utterance. Unreliable
// detections report false.
func DetectLanguage(text string) (string, bool) {
	info := whatlanggo.DetectWithOptions(text, detectOptions)
	if !info.IsReliable() {
		return "", false
	}
	tag, ok := locales[info.Lang]
	return tag, ok
}
