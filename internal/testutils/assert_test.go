package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recorder captures asserter failures instead of failing the test.
type recorder struct {
	errors []string
}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{"tabwriter padding ignored", nil, "NAME  ADDRESS  \nfoo   01\n", "\nNAME  ADDRESS\nfoo   01\n", true},
		{"different row", nil, "NAME\nfoo\n", "NAME\nbar", false},
		{"blank lines significant by default", nil, "a\n\nb", "a\nb", false},
		{"blank lines skipped", []TextOption{WithSkipBlankLines(true)}, "a\n\nb", "a\nb", true},
		{"leading spaces significant", nil, "  a", "a", false},
		{"crlf", nil, "a\r\nb\r\n", "a\nb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			ok := NewTextAsserter(r, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(r.errors) == 0)
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	diff := NewTextAsserter(t).Diff("Polar H10\n", "Polar H9\n")

	assert.Contains(t, diff, "-Polar H9")
	assert.Contains(t, diff, "+Polar H10")
}

func TestTextAsserter_ColoredDiffShowsWhitespace(t *testing.T) {
	diff := NewTextAsserter(t, WithColors(true)).Diff("a b", "a\tb")

	assert.Contains(t, diff, "a·b", "spaces MUST be made visible")
	assert.Contains(t, diff, "a→b", "tabs MUST be made visible")
	assert.Contains(t, diff, "\x1b[", "diff MUST contain ANSI color codes")
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"equal", nil, `{"a":1}`, `{"a":1}`, true},
		{"extra keys ignored", nil, `{"a":1,"b":2}`, `{"a":1}`, true},
		{"extra keys reported", []Option{WithIgnoreExtraKeys(false)}, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"nested extra keys ignored", nil, `{"p":{"address":"x","name":"y"}}`, `{"p":{"address":"x"}}`, true},
		{"value differs", nil, `{"a":1}`, `{"a":2}`, false},
		{"missing key", nil, `{"b":1}`, `{"a":1}`, false},
		{"any value", nil, `{"seq":42,"state":"streaming"}`, `{"seq":"<<ANY>>","state":"streaming"}`, true},
		{"any value needs presence", nil, `{"state":"streaming"}`, `{"seq":"<<ANY>>","state":"streaming"}`, false},
		{"root array", nil, `[{"uuid":"180d","name":"Heart Rate"}]`, `[{"uuid":"180d"}]`, true},
		{"root array length", nil, `[{"uuid":"180d"},{"uuid":"2a37"}]`, `[{"uuid":"180d"}]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			ok := NewJSONAsserter(r).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok, strings.Join(r.errors, "\n"))
		})
	}
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	r := &recorder{}
	assert.False(t, NewJSONAsserter(r).Assert("{not json", `{}`))
	assert.Contains(t, r.errors[0], "actual is not valid JSON")
}
