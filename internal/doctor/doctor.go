package doctor

import (
	"context"
	"encoding/json"
	"io"
	"os"
)

// Doctor runs preflight checks against a dashboard configuration.
type Doctor struct {
	checkers []Checker
	output   *Output
	writer   io.Writer
	options  Options
}

// New creates a Doctor writing to w. A nil w writes to stdout.
func New(opts Options, w io.Writer, useColors bool, checkers ...Checker) *Doctor {
	if w == nil {
		w = os.Stdout
	}
	return &Doctor{
		checkers: checkers,
		output:   NewOutput(w, useColors && !opts.JSON),
		writer:   w,
		options:  opts,
	}
}

// AddChecker adds a checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks and returns a report
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Checks: make([]CheckResult, 0, len(d.checkers)),
	}
	checkers := d.filterCheckers()

	if d.options.JSON {
		for _, checker := range checkers {
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			updateSummary(&report.Summary, result)
		}
		enc := json.NewEncoder(d.writer)
		enc.SetIndent("", "  ")
		return report, enc.Encode(report)
	}

	d.output.Header(d.options.Network)
	var failing []Category
	for _, group := range groupByCategory(checkers) {
		d.output.Section(group.category, len(group.checkers))
		failed := false
		for _, checker := range group.checkers {
			result := checker.Check(ctx)
			d.output.CheckResult(result)
			report.Checks = append(report.Checks, result)
			updateSummary(&report.Summary, result)
			failed = failed || result.Status == StatusError
		}
		if failed {
			failing = append(failing, group.category)
		}
	}
	d.output.Summary(report.Summary, failing)

	return report, nil
}

type checkerGroup struct {
	category Category
	checkers []Checker
}

// groupByCategory orders checkers by categoryOrder, keeping the order they
// were added in within a category. Unknown categories go last.
func groupByCategory(checkers []Checker) []checkerGroup {
	index := make(map[Category]int)
	var groups []checkerGroup
	add := func(c Checker) {
		i, ok := index[c.Category()]
		if !ok {
			i = len(groups)
			index[c.Category()] = i
			groups = append(groups, checkerGroup{category: c.Category()})
		}
		groups[i].checkers = append(groups[i].checkers, c)
	}
	for _, cat := range categoryOrder {
		for _, c := range checkers {
			if c.Category() == cat {
				add(c)
			}
		}
	}
	known := make(map[Category]bool, len(categoryOrder))
	for _, cat := range categoryOrder {
		known[cat] = true
	}
	for _, c := range checkers {
		if !known[c.Category()] {
			add(c)
		}
	}
	return groups
}

// filterCheckers returns checkers filtered by category if specified
func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0)
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}
