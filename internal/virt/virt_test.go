package virt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/collab"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/phys"
)

// fakeArch accepts every memory type and flag combination and encodes
// them as a trivial bitmask, enough to exercise the portable map/unmap
// logic in this package without a real ARMv7 descriptor encoder.
type fakeArch struct{}

func (fakeArch) EncodeAttrs(memType abi.MemoryType, flags abi.AccessFlags) (uint32, error) {
	return uint32(memType)<<8 | uint32(flags), nil
}

func newTestManager(t *testing.T) (*Manager, *phys.Allocator) {
	t.Helper()
	a, err := phys.New(1<<20, 0, 64*1024)
	require.NoError(t, err)
	require.NoError(t, a.Init(0, collab.BootInfo{}))

	m, err := NewManager(a, fakeArch{})
	require.NoError(t, err)
	return m, a
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)

	va := constants.KernelAreaStart
	pa, err := ctx.MapAddressRandom(va, abi.MemoryNormal, abi.AccessRead|abi.AccessWrite)
	require.NoError(t, err)
	require.NotZero(t, pa)
	require.True(t, ctx.IsMapped(va))

	require.NoError(t, ctx.UnmapAddress(va, false))
	require.False(t, ctx.IsMapped(va), "invariant G: unmap(free_phys=false) must leave is_mapped false")
}

func TestMapAddressRangeRollsBackOnFailure(t *testing.T) {
	m, a := newTestManager(t)
	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)

	base := uintptr(constants.KernelAreaStart)
	require.NoError(t, ctx.MapAddressRange(base, 0x1000, 2, abi.MemoryNormal, abi.AccessRead))

	// Force the next range map to fail out-of-range at its second page,
	// which must unmap the first page it already installed.
	badVA := ctx.MaxAddress() - constants.PageSize/2
	err = ctx.MapAddressRange(badVA, 0x2000, 2, abi.MemoryNormal, abi.AccessRead)
	require.Error(t, err)
	require.False(t, ctx.IsMapped(badVA), "invariant B: partial range map must roll back on failure")

	_ = a
}

func TestDestroyContextReleasesFrames(t *testing.T) {
	m, a := newTestManager(t)
	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)

	va := uintptr(constants.KernelAreaStart)
	pa, err := ctx.MapAddressRandom(va, abi.MemoryNormal, abi.AccessRead)
	require.NoError(t, err)

	require.NoError(t, m.DestroyContext(ctx))

	used, err := a.IsRangeUsed(pa, constants.PageSize)
	require.NoError(t, err)
	require.False(t, used, "destroy_context must free every frame the context owned")
}

func TestForkContextDuplicatesMappings(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, err := m.CreateContext(User)
	require.NoError(t, err)

	va := uintptr(constants.UserAreaStart)
	origPA, err := ctx.MapAddressRandom(va, abi.MemoryNormal, abi.AccessRead|abi.AccessWrite)
	require.NoError(t, err)

	child, err := m.ForkContext(ctx)
	require.NoError(t, err)
	require.True(t, child.IsMapped(va))

	childPA, ok := child.GetMappedAddress(va)
	require.True(t, ok)
	require.NotEqual(t, origPA, childPA, "fork must allocate distinct physical frames")
}

func TestSetContextAndCurrent(t *testing.T) {
	m, _ := newTestManager(t)
	require.Nil(t, m.Current())

	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)
	require.NoError(t, m.SetContext(ctx))
	require.Same(t, ctx, m.Current())
}

func TestMapTemporaryThenUnmap(t *testing.T) {
	m, a := newTestManager(t)
	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)

	pa, err := a.FindFreePage(constants.PageSize, phys.Normal)
	require.NoError(t, err)

	va, err := ctx.MapTemporary(pa, constants.PageSize)
	require.NoError(t, err)
	require.True(t, ctx.IsMapped(va))

	mappedPA, ok := ctx.GetMappedAddress(va)
	require.True(t, ok)
	require.Equal(t, pa, mappedPA)

	require.NoError(t, ctx.UnmapTemporary(va, constants.PageSize))
	require.False(t, ctx.IsMapped(va))

	// The borrowed frame was never owned by the temporary mapping, so it
	// must still be live after UnmapTemporary (freePhys=false semantics).
	used, err := a.IsRangeUsed(pa, constants.PageSize)
	require.NoError(t, err)
	require.True(t, used)
}

func TestMapTemporaryDistinctWindowsDoNotCollide(t *testing.T) {
	m, a := newTestManager(t)
	ctx, err := m.CreateContext(Kernel)
	require.NoError(t, err)

	pa1, err := a.FindFreePage(constants.PageSize, phys.Normal)
	require.NoError(t, err)
	pa2, err := a.FindFreePage(constants.PageSize, phys.Normal)
	require.NoError(t, err)

	va1, err := ctx.MapTemporary(pa1, constants.PageSize)
	require.NoError(t, err)
	va2, err := ctx.MapTemporary(pa2, constants.PageSize)
	require.NoError(t, err)
	require.NotEqual(t, va1, va2)

	require.NoError(t, ctx.UnmapTemporary(va1, constants.PageSize))
	require.NoError(t, ctx.UnmapTemporary(va2, constants.PageSize))
}

func TestFindFreePageRangeSkipsMapped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, err := m.CreateContext(User)
	require.NoError(t, err)

	base := uintptr(constants.UserAreaStart)
	require.NoError(t, ctx.MapAddress(base, 0x9000, abi.MemoryNormal, abi.AccessRead))

	free, err := ctx.FindFreePageRange(constants.PageSize, base)
	require.NoError(t, err)
	require.NotEqual(t, base, free)
}
