// Package captcha talks to an external solving oracle. The orchestrator
// never cracks challenges itself; it forwards the widget parameters
// captured in the page and gets a token back.
package captcha

import "context"

// Task carries the parameters a challenge widget was initialised with.
type Task struct {
	Kind    string            // widget family, e.g. "turnstile"
	SiteKey string            // public site key
	PageURL string            // page the widget appeared on
	Action  string            // optional action hint
	Data    map[string]string // opaque extras (cData and friends)
}

// Solution is the oracle's answer.
type Solution struct {
	Token string
}

// Oracle solves challenge tasks.
type Oracle interface {
	Solve(ctx context.Context, task *Task) (*Solution, error)
}
