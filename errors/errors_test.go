package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrMissingCollection, "register publication tasks")

	assert.True(t, Is(err, ErrMissingCollection))
	assert.False(t, Is(err, ErrInvalidDocumentID))
	assert.Contains(t, err.Error(), "register publication tasks")
	assert.Contains(t, err.Error(), "publication has no collection")
}

func TestIsHelpers(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.True(t, IsNotFoundError(Wrap(ErrNotFound, "document tasks/1")))
	assert.True(t, IsInvalidRequestError(NewInvalidRequestError("bad id %q", "")))
	assert.True(t, IsInvalidDocumentID(Wrapf(ErrInvalidDocumentID, "collection %s", "tasks")))
	assert.False(t, IsInvalidDocumentID(ErrNotFound))
}

func TestUnknownChildIsAssertion(t *testing.T) {
	err := UnknownChild("authors", "a1")

	require.Error(t, err)
	assert.True(t, HasAssertionFailure(err))
	assert.True(t, Is(err, ErrUnknownChildPublication))
	assert.Contains(t, err.Error(), "authors/a1")
}

func TestStackTrace(t *testing.T) {
	err := Wrap(ErrClosed, "engine stopped")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestHintsAndDetails(t *testing.T) {
	err := WithHint(ErrUnknownPublication, "declare it under [[publications]]")
	err = WithDetail(err, "name=tasks")

	assert.Equal(t, []string{"declare it under [[publications]]"}, GetAllHints(err))
	assert.Equal(t, []string{"name=tasks"}, GetAllDetails(err))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
}

func ExampleWrap() {
	err := Wrap(ErrUnknownPublication, "subscribe tasks")
	fmt.Println(err)
	// Output: subscribe tasks: unknown publication
}
