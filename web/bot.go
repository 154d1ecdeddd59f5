package web

import (
	"regexp"
	"strings"
)

var botPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|slurp|archiver|facebookexternalhit|embedly|preview|lighthouse|headless|curl/|wget/|python-requests|go-http-client|httpclient|java/|okhttp|libwww|scrapy|feedfetcher|mediapartners|whatsapp|telegram|discord|monitor|uptime|pingdom)`)

// isBot reports whether ua looks like a crawler, preview fetcher or script
// rather than a browser. An empty user agent counts as a bot.
func isBot(ua string) bool {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return true
	}
	return botPattern.MatchString(ua)
}
