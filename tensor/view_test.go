package tensor

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestViewSetAtRoundTripsF32(t *testing.T) {
	v := NewView(DTypeF32, 2, 3)
	v.Set(1.5, 0, 0)
	v.Set(-2.25, 1, 2)

	assert.Equal(t, v.At(0, 0), float32(1.5))
	assert.Equal(t, v.At(1, 2), float32(-2.25))
	assert.Equal(t, v.At(0, 1), float32(0))
}

func TestViewSetAtRoundTripsF16ExactlyRepresentable(t *testing.T) {
	v := NewView(DTypeF16, 4)
	v.Set(1.5, 0) // exactly representable in fp16
	assert.Equal(t, v.At(0), float32(1.5))
}

func TestSliceDoesNotCopy(t *testing.T) {
	v := NewView(DTypeF32, 2, 2)
	v.Set(9, 1, 1)

	s := v.Slice(0, 1, 1)
	assert.Equal(t, s.At(0, 1), float32(9))

	s.Set(42, 0, 1)
	assert.Equal(t, v.At(1, 1), float32(42))
}

func TestCollapseDropsUnitAxes(t *testing.T) {
	v := NewView(DTypeF32, 2, 3, 5, 7)
	v.Set(11, 1, 0, 2, 4)

	sliced := v.Slice(0, 1, 1).Slice(1, 0, 1)
	collapsed := sliced.Collapse(2, 3)

	assert.Equal(t, len(collapsed.Shape), 2)
	assert.Equal(t, collapsed.At(2, 4), float32(11))
}

func TestAtInt32AndSetInt32(t *testing.T) {
	v := NewView(DTypeI32, 3)
	v.SetInt32(-7, 1)
	assert.Equal(t, v.AtInt32(1), int32(-7))
}
