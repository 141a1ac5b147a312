package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// categoryOrder is the order sections are printed in. Later sections
// assume the earlier ones pass.
var categoryOrder = []Category{
	CategoryConfig,
	CategoryChain,
	CategoryContracts,
	CategoryWallet,
	CategoryIndexer,
}

var categoryTitles = map[Category]string{
	CategoryConfig:    "Configuration",
	CategoryChain:     "RPC endpoints",
	CategoryContracts: "Staking contracts",
	CategoryWallet:    "Signer",
	CategoryIndexer:   "NFT indexer",
}

func (c Category) title() string {
	if t, ok := categoryTitles[c]; ok {
		return t
	}
	return string(c)
}

// Output renders a doctor run as text, one section per category.
type Output struct {
	writer    io.Writer
	useColors bool
}

func NewOutput(w io.Writer, useColors bool) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{
		writer:    w,
		useColors: useColors,
	}
}

// Header prints the title and, when known, the network being checked.
func (o *Output) Header(network string) {
	title := "stakedash doctor"
	if network != "" {
		title += " (" + network + ")"
	}
	o.line("")
	o.line(o.paint(colorBold, title))
	o.line(strings.Repeat("=", len(title)))
}

// Section starts the block for one category.
func (o *Output) Section(c Category, checks int) {
	o.line("")
	o.printf("%s %s\n", o.paint(colorBold, c.title()), o.paint(colorDim, fmt.Sprintf("(%d)", checks)))
}

func statusTag(s Status) (string, string) {
	switch s {
	case StatusOK:
		return "ok", colorGreen
	case StatusWarning:
		return "warn", colorYellow
	case StatusError:
		return "fail", colorRed
	default:
		return "skip", colorDim
	}
}

// CheckResult prints one result line with its details and, for anything
// not ok, the hint.
func (o *Output) CheckResult(result CheckResult) {
	tag, color := statusTag(result.Status)
	o.printf("  %s %s\n", o.paint(color, fmt.Sprintf("%-4s", tag)), result.Message)
	if result.Details != "" {
		o.printf("       %s\n", o.paint(colorDim, result.Details))
	}
	if result.Status != StatusOK && result.Hint != "" {
		o.printf("       -> %s\n", result.Hint)
	}
}

// Summary prints the totals and the sections that need attention.
func (o *Output) Summary(summary Summary, failing []Category) {
	o.line("")
	verdict := o.paint(colorGreen, "ready")
	if !summary.IsHealthy() {
		verdict = o.paint(colorRed, "not ready")
	}
	o.printf("Dashboard %s: %d passed, %d failed", verdict, summary.Passed, summary.Failed)
	if summary.Warned > 0 {
		o.printf(", %s", o.paint(colorYellow, fmt.Sprintf("%d warnings", summary.Warned)))
	}
	if summary.Skipped > 0 {
		o.printf(", %d skipped", summary.Skipped)
	}
	o.line("")
	if len(failing) > 0 {
		names := make([]string, len(failing))
		for i, c := range failing {
			names[i] = c.title()
		}
		o.printf("Fix first: %s\n", strings.Join(names, ", "))
	}
}

func (o *Output) paint(color, s string) string {
	if !o.useColors {
		return s
	}
	return color + s + colorReset
}

func (o *Output) line(s string) {
	fmt.Fprintln(o.writer, s)
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}
