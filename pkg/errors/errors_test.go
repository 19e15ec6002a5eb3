package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(KindDocument, "cannot save document", cause)

	assert.True(t, IsKind(err, KindDocument))
	assert.Equal(t, KindDocument, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cannot save document")
}

func TestDefaultCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		code string
	}{
		{KindDocument, "DOC_001"},
		{KindPlanValidation, "PLAN_001"},
		{KindFormatProtection, "FMT_001"},
		{KindConfiguration, "CFG_001"},
		{KindCancelled, "CANCELLED"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, CodeOf(New(tt.kind, "x")), string(tt.kind))
	}
}

func TestWithCodeOverrides(t *testing.T) {
	err := New(KindDocument, "restored bytes differ from backup").WithCode("DOC_003")
	assert.Equal(t, "DOC_003", CodeOf(err))
	assert.True(t, IsKind(err, KindDocument))
}

func TestSuggestionsKnownAndUnknown(t *testing.T) {
	assert.NotEmpty(t, Suggestions("DOC_003"))
	assert.NotEmpty(t, Suggestions("CFG_001"))
	assert.Empty(t, Suggestions("NOPE_999"))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, "", CodeOf(stderrors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
}
