package rangelock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	lock := &lockEntry{start: 10, end: 19}
	for _, tc := range []struct {
		start, end int64
		want       overlap
	}{
		{0, 9, noOverlap},
		{20, 30, noOverlap},
		{10, 19, overlapEqual},
		{0, 29, overlapContains},
		{10, 25, overlapContains},
		{12, 15, overlapContained},
		{10, 15, overlapContained},
		{5, 12, overlapStartsBefore},
		{5, 19, overlapContains},
		{15, 25, overlapEndsAfter},
	} {
		got := classify(&lockEntry{start: tc.start, end: tc.end}, lock)
		assert.Equal(t, tc.want, got, "[%d,%d]: %s", tc.start, tc.end, got)
	}

	eof := &lockEntry{start: 10, end: EOF}
	assert.Equal(t, overlapContained, classify(&lockEntry{start: 20, end: 30}, eof))
	assert.Equal(t, overlapStartsBefore, classify(&lockEntry{start: 0, end: 10}, eof))
	assert.Equal(t, overlapEqual, classify(&lockEntry{start: 10, end: EOF}, eof))
}

func TestTouchesAndBlocks(t *testing.T) {
	a, b := &owner{}, &owner{}
	e := func(o *owner, start, end int64, typ LockType) *lockEntry {
		return &lockEntry{owner: o, start: start, end: end, typ: typ}
	}

	assert.True(t, touches(e(a, 0, 9, Read), e(a, 10, 19, Read)))
	assert.True(t, touches(e(a, 10, 19, Read), e(a, 0, 9, Read)))
	assert.False(t, touches(e(a, 0, 9, Read), e(a, 11, 19, Read)))
	assert.False(t, touches(e(a, 5, EOF, Read), e(a, 0, 3, Read)))
	assert.True(t, touches(e(a, 5, EOF, Read), e(a, 0, 4, Read)))

	assert.False(t, blocks(e(a, 0, 9, Write), e(a, 0, 9, Write)))
	assert.False(t, blocks(e(a, 0, 9, Read), e(b, 0, 9, Read)))
	assert.True(t, blocks(e(a, 0, 9, Read), e(b, 9, 9, Write)))
	assert.True(t, blocks(e(a, 0, EOF, Write), e(b, 100, 200, Read)))
	assert.False(t, blocks(e(a, 0, 9, Write), e(b, 10, 19, Write)))
}

func TestActiveOrder(t *testing.T) {
	st := newLockState(Resource{}, newMetrics("test"))
	o := &owner{}
	for i, start := range []int64{30, 10, 20, 10} {
		st.insertActive(&lockEntry{owner: o, start: start, end: start + 5, seq: uint64(i + 1)})
	}
	var got []int64
	for _, e := range st.activeEntries() {
		got = append(got, e.start)
	}
	assert.Equal(t, []int64{10, 10, 20, 30}, got)
	assert.Equal(t, uint64(2), st.activeEntries()[0].seq)
}
