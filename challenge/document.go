package challenge

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/use-agent/gatecrash/models"
)

// Interstitial pages are recognizable by fixed element ids and the
// challenge-platform script even when the mitigation header is absent
// (some proxies strip it). Compiled once; cascadia.Selector satisfies
// goquery.Matcher.
var interstitialMarkers = []cascadia.Selector{
	cascadia.MustCompile("#challenge-form"),
	cascadia.MustCompile("#challenge-running"),
	cascadia.MustCompile("#cf-challenge-running"),
	cascadia.MustCompile("#challenge-error-title"),
	cascadia.MustCompile(`script[src*="challenge-platform"]`),
}

// DocumentClassifier inspects the body of a 403 for interstitial
// markup. It backs up HeaderClassifier when the marker header was
// stripped in transit.
type DocumentClassifier struct{}

func (DocumentClassifier) Classify(resp *models.PageResponse) Outcome {
	if resp.Status != http.StatusForbidden || len(resp.Body) == 0 {
		return None
	}
	if title := extractTitle(resp.Body); strings.Contains(strings.ToLower(title), "just a moment") {
		return ManagedChallenge
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return None
	}
	for _, marker := range interstitialMarkers {
		if doc.FindMatcher(marker).Length() > 0 {
			return ManagedChallenge
		}
	}
	return None
}

// extractTitle pulls the <title> text without a full parse.
func extractTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			token := tokenizer.Token()
			if token.Data == "title" {
				if tokenizer.Next() == html.TextToken {
					return strings.TrimSpace(tokenizer.Token().Data)
				}
				return ""
			}
		}
	}
}
