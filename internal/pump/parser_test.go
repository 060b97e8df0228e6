package pump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello", StripANSI("\x1b[1;32mhello\x1b[0m"))
	assert.Equal(t, "title", StripANSI("\x1b]0;ignored\x07title"))
	assert.Equal(t, "plain", StripANSI("plain"))
}

func TestParseQuestion(t *testing.T) {
	text := "some output\n" +
		"☐ Pick one\n" +
		"\n" +
		"Which file?\n" +
		"\n" +
		"❯ 1. src/a.py\n" +
		"   the first file\n" +
		"❯ 2. src/b.py\n"

	q := ParseQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, "Pick one", q.Header)
	assert.Equal(t, "Which file?", q.Question)
	require.Len(t, q.Options, 2)
	assert.Equal(t, "1", q.Options[0].Number)
	assert.Equal(t, "src/a.py", q.Options[0].Label)
	assert.Equal(t, "the first file", q.Options[0].Description)
	assert.Equal(t, "2", q.Options[1].Number)
	assert.Empty(t, q.Options[1].Description)
}

func TestParseQuestionWithANSI(t *testing.T) {
	text := "\x1b[1m☐ Choose\x1b[0m\n\n\x1b[33mProceed?\x1b[0m\n\n❯ 1. yes\n❯ 2. no\n"

	q := ParseQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, "Choose", q.Header)
	assert.Equal(t, "Proceed?", q.Question)
	assert.Len(t, q.Options, 2)
}

func TestParseQuestionFreeTextVariants(t *testing.T) {
	text := "☐ Choose\n\nWhat now?\n\n" +
		"❯ 1. keep going\n" +
		"❯ 2. Type something\n" +
		"❯ 3. Other...\n"

	q := ParseQuestion(text)
	require.NotNil(t, q)
	require.Len(t, q.Options, 3)
	assert.False(t, q.Options[0].FreeText)
	assert.True(t, q.Options[1].FreeText)
	assert.True(t, q.Options[2].FreeText)
}

func TestParseQuestionLastBlockWins(t *testing.T) {
	text := "☐ Old\n\nStale one?\n\n❯ 1. a\n\nmore output\n" +
		"☐ New\n\nFresh one?\n\n❯ 1. b\n"

	q := ParseQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, "New", q.Header)
	assert.Equal(t, "Fresh one?", q.Question)
}

func TestParseQuestionIncomplete(t *testing.T) {
	// No options yet.
	assert.Nil(t, ParseQuestion("☐ Pick\n\nWhich file?\n\n"))
	// Question does not end in a question mark.
	assert.Nil(t, ParseQuestion("☐ Pick\n\nWorking on it\n\n❯ 1. a\n"))
	// No header marker at all.
	assert.Nil(t, ParseQuestion("just some scrolling text\n1. not an option block\n"))
}

func TestParseQuestionUnpointedOptions(t *testing.T) {
	text := "☐ Pick\n\nWhich?\n\n1. first\n2. second\n"

	q := ParseQuestion(text)
	require.NotNil(t, q)
	assert.Len(t, q.Options, 2)
}
