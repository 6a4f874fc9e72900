package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/collab"
	"github.com/kestrel-os/kestrel/internal/phys"
	"github.com/kestrel-os/kestrel/internal/task"
	"github.com/kestrel-os/kestrel/internal/virt"
)

type fakeArch struct{}

func (fakeArch) EncodeAttrs(memType abi.MemoryType, flags abi.AccessFlags) (uint32, error) {
	return uint32(memType)<<8 | uint32(flags), nil
}

func TestRegisterRejectsOutOfRangeNumber(t *testing.T) {
	tbl := NewTable()
	err := tbl.Register(uint32(abi.SyscallCount), func(*task.TCB, abi.SyscallArgs) abi.SyscallResult {
		return abi.Ok(0)
	})
	require.Error(t, err)
}

func TestRegisterRejectsDoubleBinding(t *testing.T) {
	tbl := NewTable()
	h := func(*task.TCB, abi.SyscallArgs) abi.SyscallResult { return abi.Ok(0) }
	require.NoError(t, tbl.Register(abi.SysProcessGetPid, h))
	require.Error(t, tbl.Register(abi.SysProcessGetPid, h))
}

func TestDispatchInvokesHandlerAndWritesResult(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Register(abi.SysProcessGetPid, func(caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
		return abi.Ok(caller.Pid)
	}))

	th := task.NewTCB(1, 42, 0, 0x1000, task.StackRange{})
	frame := &abi.RegisterFrame{}
	require.NoError(t, tbl.Dispatch(abi.SysProcessGetPid, th, frame))
	require.EqualValues(t, 42, frame.R[0])
	require.EqualValues(t, 0, frame.R[1])
}

func TestDispatchUnregisteredNumberFails(t *testing.T) {
	tbl := NewTable()
	frame := &abi.RegisterFrame{}
	require.NoError(t, tbl.Dispatch(abi.SysKernelPutc, nil, frame))
	require.EqualValues(t, -ErrNoHandler, int32(frame.R[1]))
}

func newTestContext(t *testing.T) *virt.Context {
	t.Helper()
	a, err := phys.New(4<<20, 0, 64*1024)
	require.NoError(t, err)
	require.NoError(t, a.Init(0, collab.BootInfo{}))

	vm, err := virt.NewManager(a, fakeArch{})
	require.NoError(t, err)

	ctx, err := vm.CreateContext(virt.User)
	require.NoError(t, err)
	return ctx
}

func TestValidateUserPointerRejectsUnmapped(t *testing.T) {
	ctx := newTestContext(t)
	err := ValidateUserPointer(ctx, 0x1000, 4096)
	require.Error(t, err)
}

func TestValidateUserPointerAcceptsMappedRange(t *testing.T) {
	ctx := newTestContext(t)
	const va = 0x1000
	_, err := ctx.MapAddressRandom(va, abi.MemoryNormal, abi.AccessRead|abi.AccessWrite)
	require.NoError(t, err)
	require.NoError(t, ValidateUserPointer(ctx, va, 4096))
}

func TestValidateUserPointerZeroSizeAlwaysOK(t *testing.T) {
	ctx := newTestContext(t)
	require.NoError(t, ValidateUserPointer(ctx, 0xDEADBEEF, 0))
}
