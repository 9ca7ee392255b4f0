package renderer

import "strings"

// Rendered error and bot-interstitial pages rarely carry useful status
// codes, so we fall back on the phrases they show. German first since the
// default header set asks for de-DE.
var errorPagePhrases = []string{
	"seite nicht gefunden",
	"seite wurde nicht gefunden",
	"diese seite existiert nicht",
	"fehler 404",
	"fehler 403",
	"fehler 500",
	"zugriff verweigert",
	"zu viele anfragen",
	"sie wurden blockiert",
	"page not found",
	"this page does not exist",
	"404 not found",
	"403 forbidden",
	"500 internal server error",
	"access denied",
	"too many requests",
	"you have been blocked",
	"request blocked",
	"checking your browser",
	"verify you are human",
	"are you a robot",
	"attention required",
	"rate limited",
}

// Small rendered documents showing an error phrase are treated as error
// pages; long documents mentioning one in passing are not.
const errorPageMaxLen = 4096

func looksLikeErrorPage(html string) bool {
	if len(html) > errorPageMaxLen {
		return false
	}
	lower := strings.ToLower(html)
	for _, p := range errorPagePhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// rendererTimedOut matches the message the browser surfaces when the tab
// process stops answering, the trigger for a one-shot profile escalation.
func rendererTimedOut(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "timed out receiving message from renderer")
}
