// Package doctor runs health checks against the configuration and the broker.
package doctor

import "context"

// Status is the outcome of a single item.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Item is one line of a check result.
type Item struct {
	Label   string `json:"label"`
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Fixable bool   `json:"fixable,omitempty"`
}

// Result groups the items reported by one check.
type Result struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

func (r *Result) pass(label, detail string) {
	r.Items = append(r.Items, Item{Label: label, Status: StatusPass, Detail: detail})
}

func (r *Result) warn(label, detail string, fixable bool) {
	r.Items = append(r.Items, Item{Label: label, Status: StatusWarn, Detail: detail, Fixable: fixable})
}

func (r *Result) fail(label, detail string) {
	r.Items = append(r.Items, Item{Label: label, Status: StatusFail, Detail: detail})
}

// Check is a named health check.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// RunAll runs checks in order. A cancelled context stops before the next check.
func RunAll(ctx context.Context, checks []Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		if ctx.Err() != nil {
			break
		}
		results = append(results, check.Run(ctx))
	}
	return results
}

// Summary counts items by status. Fixable only counts items that warn or fail.
type Summary struct {
	Passed  int `json:"passed"`
	Warned  int `json:"warned"`
	Failed  int `json:"failed"`
	Fixable int `json:"fixable"`
}

// Healthy reports whether no item failed.
func (s Summary) Healthy() bool {
	return s.Failed == 0
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		for _, item := range r.Items {
			switch item.Status {
			case StatusPass:
				s.Passed++
				continue
			case StatusWarn:
				s.Warned++
			case StatusFail:
				s.Failed++
			}
			if item.Fixable {
				s.Fixable++
			}
		}
	}
	return s
}
