// Package challenge classifies blocked fetch outcomes and drives the
// recovery loop: captcha solve for managed challenges, egress failover
// for rate limiting.
package challenge

import (
	"net/http"
	"strings"

	"github.com/use-agent/gatecrash/models"
)

// Outcome is the verdict on one observed response. Derived purely from
// the response; never persisted.
type Outcome int

const (
	None Outcome = iota
	RateLimited
	ManagedChallenge
)

func (o Outcome) String() string {
	switch o {
	case RateLimited:
		return "rate_limited"
	case ManagedChallenge:
		return "managed"
	default:
		return "none"
	}
}

// mitigatedHeader is the marker an upstream mitigation layer sets on
// challenge interstitials.
const mitigatedHeader = "cf-mitigated"

// Classifier turns an observed response into an Outcome. Chain
// implementations to extend detection beyond the header rule.
type Classifier interface {
	Classify(resp *models.PageResponse) Outcome
}

// HeaderClassifier is the canonical rule set:
// status 429 is rate limiting; status 403 with the mitigation marker
// header valued "challenge" (compared case-insensitively) is a managed
// challenge. Anything else passes through.
type HeaderClassifier struct{}

func (HeaderClassifier) Classify(resp *models.PageResponse) Outcome {
	switch resp.Status {
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusForbidden:
		if strings.EqualFold(resp.Header(mitigatedHeader), "challenge") {
			return ManagedChallenge
		}
	}
	return None
}

// Chain evaluates classifiers in order and returns the first verdict
// that is not None.
type Chain []Classifier

func (c Chain) Classify(resp *models.PageResponse) Outcome {
	for _, cl := range c {
		if out := cl.Classify(resp); out != None {
			return out
		}
	}
	return None
}
