package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/collab"
	"github.com/kestrel-os/kestrel/internal/phys"
	"github.com/kestrel-os/kestrel/internal/virt"
)

type fakeArch struct{}

func (fakeArch) EncodeAttrs(memType abi.MemoryType, flags abi.AccessFlags) (uint32, error) {
	return uint32(memType)<<8 | uint32(flags), nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	a, err := phys.New(8<<20, 0, 64*1024)
	require.NoError(t, err)
	require.NoError(t, a.Init(0, collab.BootInfo{}))

	vm, err := virt.NewManager(a, fakeArch{})
	require.NoError(t, err)
	return NewManager(vm)
}

func TestCreateProcessAssignsMonotonicPid(t *testing.T) {
	m := newTestManager(t)
	p1, err := m.CreateProcess(0, 0)
	require.NoError(t, err)
	p2, err := m.CreateProcess(p1.Pid, 0)
	require.NoError(t, err)
	require.Greater(t, p2.Pid, p1.Pid)
}

func TestCreateThreadAssignsTidAndStack(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreateProcess(0, 0)
	require.NoError(t, err)

	th := p.CreateThread(0x1000)
	require.Equal(t, uint32(1), th.Tid)
	require.Equal(t, Init, th.State())
	require.NotZero(t, th.Stack.Top)
}

func TestDestroyThreadReleasesStackForReuse(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreateProcess(0, 0)
	require.NoError(t, err)

	t1 := p.CreateThread(0x1000)
	stackTop := t1.Stack.Top
	require.NoError(t, p.DestroyThread(t1.Tid))

	t2 := p.CreateThread(0x2000)
	require.Equal(t, stackTop, t2.Stack.Top, "a freed stack slot must be reused before growing further")
}

func TestThreadLookupMissAfterDestroy(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreateProcess(0, 0)
	require.NoError(t, err)

	th := p.CreateThread(0x1000)
	require.NoError(t, p.DestroyThread(th.Tid))

	_, ok := p.Thread(th.Tid)
	require.False(t, ok, "a stale tid reference must become a clean miss")
}

func TestThreadBlockAndUnblockRoundTrip(t *testing.T) {
	th := NewTCB(1, 1, 0, 0x1000, StackRange{Top: 0x8000, Bottom: 0x7000})
	th.SetState(Active)

	th.Block(RpcWaitForReturn, []byte{0x2a})
	require.Equal(t, RpcWaitForReturn, th.State())

	data := th.Unblock()
	require.Equal(t, []byte{0x2a}, data)
	require.Equal(t, Active, th.State())
}

func TestSchedulerEligibleStates(t *testing.T) {
	require.True(t, Ready.SchedulerEligible())
	require.True(t, HaltSwitch.SchedulerEligible())
	require.True(t, RpcQueued.SchedulerEligible())
	require.True(t, RpcHaltSwitch.SchedulerEligible())
	require.False(t, Active.SchedulerEligible())
	require.False(t, RpcWaitForCall.SchedulerEligible())
}

func TestForkProcessDuplicatesContext(t *testing.T) {
	m := newTestManager(t)
	parent, err := m.CreateProcess(0, 1)
	require.NoError(t, err)

	child, err := m.ForkProcess(parent.Pid)
	require.NoError(t, err)
	require.NotEqual(t, parent.Pid, child.Pid)
	require.Equal(t, parent.Priority, child.Priority)
}

func TestReplaceProcessResetsThreadsAndKeepsPid(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreateProcess(0, 0)
	require.NoError(t, err)
	_ = p.CreateThread(0x1000)

	th, err := m.ReplaceProcess(p.Pid, 0x2000)
	require.NoError(t, err)
	require.Equal(t, uint32(1), th.Tid, "replace rebuilds the thread tree from tid 1")

	reloaded, ok := m.Process(p.Pid)
	require.True(t, ok)
	require.Equal(t, p.Pid, reloaded.Pid)
}
