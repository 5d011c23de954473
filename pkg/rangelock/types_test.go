package rangelock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionResolve(t *testing.T) {
	for _, tc := range []struct {
		region Region
		size   int64
		want   Range
	}{
		{Region{Start: 0, Len: 10}, 0, Range{0, 9}},
		{Region{Start: 5}, 0, Range{5, EOF}},
		{Region{Start: 10, Len: -5}, 0, Range{5, 9}},
		{Region{Whence: SeekCur, Start: 3, Len: 1}, 0, Range{3, 3}},
		{Region{Whence: SeekEnd, Start: -10, Len: 10}, 100, Range{90, 99}},
		{Region{Whence: SeekEnd}, 100, Range{100, EOF}},
		{Region{Whence: SeekEnd, Start: 4, Len: -4}, 0, Range{0, 3}},
		{Region{Start: math.MaxInt64 - 1, Len: 2}, 0, Range{math.MaxInt64 - 1, EOF}},
	} {
		got, err := tc.region.Resolve(tc.size)
		require.NoError(t, err, "%+v", tc.region)
		assert.Equal(t, tc.want, got, "%+v", tc.region)
	}
}

func TestRegionResolveInvalid(t *testing.T) {
	for _, tc := range []struct {
		region Region
		size   int64
	}{
		{Region{Start: -1, Len: 1}, 0},
		{Region{Start: 0, Len: -1}, 0},
		{Region{Start: 5, Len: -6}, 0},
		{Region{Start: math.MaxInt64, Len: 2}, 0},
		{Region{Whence: SeekEnd, Start: 1, Len: 1}, math.MaxInt64},
		{Region{Whence: SeekEnd, Start: -11}, 10},
		{Region{Whence: SeekEnd, Len: 1}, -1},
		{Region{Whence: Whence(7), Len: 1}, 0},
	} {
		_, err := tc.region.Resolve(tc.size)
		assert.ErrorIs(t, err, ErrInvalidRange, "%+v", tc.region)
	}
}

func TestRegionOf(t *testing.T) {
	for _, r := range []Range{{0, 0}, {3, 7}, {10, EOF}, {0, EOF}} {
		got, err := RegionOf(r).Resolve(1 << 20)
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

func TestRange(t *testing.T) {
	a := Range{0, 9}
	assert.True(t, a.Overlaps(Range{9, 20}))
	assert.False(t, a.Overlaps(Range{10, 20}))
	assert.True(t, a.Overlaps(Range{0, EOF}))
	assert.True(t, Range{0, EOF}.Contains(a))
	assert.False(t, a.Contains(Range{5, 10}))
	assert.Equal(t, "[0,9]", a.String())
	assert.Equal(t, "[4,EOF]", Range{4, EOF}.String())
}

func TestParseLockType(t *testing.T) {
	for _, typ := range []LockType{Read, Write, Unlock} {
		got, err := ParseLockType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseLockType("upgrade")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, "LockType(9)", LockType(9).String())
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, "3@7", RemoteIdentity(3, 7).String())
	assert.Equal(t, LocalIdentity(1, 5).key(), LocalIdentity(1, 6).key())
	assert.NotEqual(t, RemoteIdentity(1, 2).key(), RemoteIdentity(1, 3).key())
	assert.NotEqual(t, LocalIdentity(1, 0).key(), RemoteIdentity(0, 0).key())
	assert.True(t, LockInfo{Type: Write}.Conflict())
	assert.False(t, LockInfo{Type: Unlock}.Conflict())
}
