package scheduler

import (
	"fmt"
	"io"
	"strconv"

	"github.com/msageha/exprun/internal/model"
)

// Failure is one failed attempt listed in the report.
type Failure struct {
	Name       string
	Attempt    int
	ReturnCode *int
	// Recovered is true when a later attempt of the same instance succeeded.
	Recovered bool
}

// Report tallies outcomes per expanded instance.
type Report struct {
	Succeeded           int
	SucceededAfterRetry int
	Failed              int
	Failures            []Failure
}

// BuildReport groups attempts by instance order. An instance counts as a
// direct success when its earliest success was the first attempt.
func BuildReport(outcomes []*model.TaskInstance) Report {
	type group struct {
		firstSuccess int
	}
	groups := make(map[int]*group)
	var order []int
	for _, o := range outcomes {
		g, ok := groups[o.Order]
		if !ok {
			g = &group{}
			groups[o.Order] = g
			order = append(order, o.Order)
		}
		if o.Status == model.StatusSuccess && (g.firstSuccess == 0 || o.Attempt < g.firstSuccess) {
			g.firstSuccess = max(o.Attempt, 1)
		}
	}

	var r Report
	for _, key := range order {
		switch g := groups[key]; {
		case g.firstSuccess == 0:
			r.Failed++
		case g.firstSuccess <= 1:
			r.Succeeded++
		default:
			r.SucceededAfterRetry++
		}
	}
	for _, o := range outcomes {
		if o.Status != model.StatusFailed {
			continue
		}
		r.Failures = append(r.Failures, Failure{
			Name:       o.Definition.Name,
			Attempt:    o.Attempt,
			ReturnCode: o.ReturnCode,
			Recovered:  groups[o.Order].firstSuccess > 0,
		})
	}
	return r
}

func (r Report) Write(w io.Writer) {
	fmt.Fprintf(w, "schedule complete: %d succeeded, %d succeeded after retry, %d failed\n",
		r.Succeeded, r.SucceededAfterRetry, r.Failed)
	for _, f := range r.Failures {
		marker := "FAILED"
		if f.Recovered {
			marker = "recovered"
		}
		code := "none"
		if f.ReturnCode != nil {
			code = strconv.Itoa(*f.ReturnCode)
		}
		fmt.Fprintf(w, "  - [%s] %s (attempt=%d, return_code=%s)\n", marker, f.Name, f.Attempt, code)
	}
}
