package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{"disjoint", Range{0, 5}, Range{5, 10}, false},
		{"touching interior", Range{0, 6}, Range{5, 10}, true},
		{"contained", Range{2, 4}, Range{0, 10}, true},
		{"identical", Range{3, 7}, Range{3, 7}, true},
		{"empty range", Range{5, 5}, Range{0, 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestTaskTypeClasses(t *testing.T) {
	for _, ct := range ContentTaskTypes {
		assert.True(t, ct.IsContent(), "%s", ct)
		assert.False(t, ct.IsFormat(), "%s", ct)
	}
	for _, ft := range FormatTaskTypes {
		assert.True(t, ft.IsFormat(), "%s", ft)
		assert.False(t, ft.IsContent(), "%s", ft)
	}
	assert.False(t, TaskType("reformat_everything").Known())
}

func TestLocatorValid(t *testing.T) {
	assert.True(t, Locator{By: LocatorFind, Value: "foo"}.Valid())
	assert.False(t, Locator{By: LocatorFind, Value: "   "}.Valid())
	assert.False(t, Locator{By: "xpath", Value: "//p"}.Valid())
}

func TestClassifyLink(t *testing.T) {
	assert.Equal(t, LinkWeb, ClassifyLink("https://example.com"))
	assert.Equal(t, LinkWeb, ClassifyLink("HTTP://EXAMPLE.COM"))
	assert.Equal(t, LinkEmail, ClassifyLink("mailto:a@b.c"))
	assert.Equal(t, LinkFile, ClassifyLink("file:///tmp/x"))
	assert.Equal(t, LinkInternal, ClassifyLink("_Toc12345"))
}

func TestValidationReportShouldRollback(t *testing.T) {
	r := &ValidationReport{IsValid: true}
	assert.False(t, r.ShouldRollback())
	r.Unauthorized = []FormatChange{{Type: ChangeStyleUsage}}
	assert.True(t, r.ShouldRollback())
}
