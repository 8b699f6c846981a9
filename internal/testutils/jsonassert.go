package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AnyValue in expected JSON matches whatever the actual document holds for
// that key, as long as the key is present. Useful for timestamps and sequence
// numbers.
const AnyValue = "<<ANY>>"

// JSONAssertOptions controls structural JSON comparison.
type JSONAssertOptions struct {
	// Subset compares only the keys the expected document mentions.
	Subset bool `default:"true"`
}

// Option configures a JSONAsserter.
type Option func(*JSONAssertOptions)

// WithIgnoreExtraKeys toggles subset matching. With false, keys present only
// in the actual document are reported.
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.Subset = ignore }
}

// JSONAsserter compares JSON documents structurally and reports an ASCII diff.
type JSONAsserter struct {
	t    TestingT
	opts JSONAssertOptions
}

// NewJSONAsserter returns an asserter that ignores extra keys by default.
func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.opts)
	return ja
}

// WithOptions applies opts and returns the asserter for chaining.
func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.opts)
	}
	return ja
}

// Assert reports a test error when actualJSON does not match expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	diff := ja.Diff(actualJSON, expectedJSON)
	if diff == "" {
		return true
	}
	ja.t.Errorf("JSON mismatch:\n%s", diff)
	return false
}

// Diff returns "" when the documents match under the current options.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var want, got interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &want); err != nil {
		return fmt.Sprintf("expected is not valid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &got); err != nil {
		return fmt.Sprintf("actual is not valid JSON: %v\n%s", err, actualJSON)
	}

	// gojsondiff only diffs objects
	if _, isArray := want.([]interface{}); isArray {
		want = map[string]interface{}{"[]": want}
		got = map[string]interface{}{"[]": got}
	}

	reconcile(want, got, ja.opts.Subset)

	wantObj, ok := want.(map[string]interface{})
	gotObj, ok2 := got.(map[string]interface{})
	if !ok || !ok2 {
		if fmt.Sprint(want) == fmt.Sprint(got) {
			return ""
		}
		return fmt.Sprintf("expected %v, got %v", want, got)
	}

	diff := gojsondiff.New().CompareObjects(wantObj, gotObj)
	if !diff.Modified() {
		return ""
	}
	out, err := formatter.NewAsciiFormatter(wantObj, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	if err != nil {
		return fmt.Sprintf("documents differ (formatting failed: %v)", err)
	}
	return out
}

// reconcile walks both documents together, resolving AnyValue markers in want
// and, in subset mode, deleting keys from got that want does not mention.
func reconcile(want, got interface{}, subset bool) {
	switch w := want.(type) {
	case map[string]interface{}:
		g, ok := got.(map[string]interface{})
		if !ok {
			return
		}
		if subset {
			for k := range g {
				if _, mentioned := w[k]; !mentioned {
					delete(g, k)
				}
			}
		}
		for k, v := range w {
			if v == AnyValue {
				if gv, present := g[k]; present {
					w[k] = gv
				}
				continue
			}
			reconcile(v, g[k], subset)
		}
	case []interface{}:
		g, ok := got.([]interface{})
		if !ok {
			return
		}
		for i := 0; i < len(w) && i < len(g); i++ {
			reconcile(w[i], g[i], subset)
		}
	}
}
