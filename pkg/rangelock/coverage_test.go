package rangelock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnion(t *testing.T) {
	assert.Empty(t, Union())
	assert.Equal(t, []Range{{0, 9}}, Union(Range{0, 9}))
	assert.Equal(t, []Range{{0, 19}}, Union(Range{10, 19}, Range{0, 9}))
	assert.Equal(t, []Range{{0, 9}, {11, 19}}, Union(Range{11, 19}, Range{0, 9}))
	assert.Equal(t, []Range{{0, 30}}, Union(Range{0, 20}, Range{5, 30}, Range{7, 8}))
	assert.Equal(t, []Range{{0, 4}, {10, EOF}}, Union(Range{20, EOF}, Range{0, 4}, Range{10, 25}))
	assert.Equal(t, []Range{{0, EOF}}, Union(Range{0, 99}, Range{100, EOF}))
}
