package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters report through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how CLI output is normalized before comparison.
// Tabwriter pads short last columns with spaces, so trailing whitespace is
// ignored unless a test opts back in.
type TextAssertOptions struct {
	TrimTrailingSpaces bool `default:"true"`
	SkipBlankLines     bool `default:"false"`
	Colors             bool `default:"false"`
}

// TextOption configures a TextAsserter.
type TextOption func(*TextAssertOptions)

// WithSkipBlankLines drops empty lines on both sides before comparing.
func WithSkipBlankLines(skip bool) TextOption {
	return func(o *TextAssertOptions) { o.SkipBlankLines = skip }
}

// WithColors highlights removed lines in red and added lines in green.
func WithColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.Colors = enable }
}

// TextAsserter compares command output against an expected listing and
// reports a unified diff. The expected text may be written as a raw string
// literal starting with a newline; surrounding blank space is ignored.
type TextAsserter struct {
	t    TestingT
	opts TextAssertOptions
}

// NewTextAsserter returns an asserter with default options.
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.opts)
	for _, opt := range opts {
		opt(&ta.opts)
	}
	return ta
}

// Assert reports a test error when actual differs from expected.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	diff := ta.Diff(actual, expected)
	if diff == "" {
		return true
	}
	ta.t.Errorf("output mismatch (-expected +actual):\n%s", diff)
	return false
}

// Diff returns the unified diff between expected and actual, or "" on a match.
func (ta *TextAsserter) Diff(actual, expected string) string {
	want, got := ta.normalize(expected), ta.normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	diff := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if ta.opts.Colors {
		diff = colorDiff(diff)
	}
	return diff
}

func (ta *TextAsserter) normalize(text string) string {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if ta.opts.TrimTrailingSpaces {
			line = strings.TrimRight(line, " \t")
		}
		if ta.opts.SkipBlankLines && strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// colorDiff colors a unified diff and makes whitespace in changed lines visible.
func colorDiff(diff string) string {
	header := color.New(color.FgCyan)
	removed := color.New(color.FgRed)
	added := color.New(color.FgGreen)
	for _, c := range []*color.Color{header, removed, added} {
		c.EnableColor()
	}

	ws := strings.NewReplacer(" ", "·", "\t", "→")
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = removed.Sprint(ws.Replace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = added.Sprint(ws.Replace(line))
		}
	}
	return strings.Join(lines, "\n")
}
