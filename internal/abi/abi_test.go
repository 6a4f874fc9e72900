package abi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterFrameRoundTrip(t *testing.T) {
	f := &RegisterFrame{SP: 0x80001000, LR: 0x1234, PC: 0x5678, CPSR: 0x13}
	f.R[0] = 0xAABBCCDD

	encoded := Marshal(f)
	require.Len(t, encoded, 68)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestUnmarshalShortBuffer(t *testing.T) {
	_, err := Unmarshal(make([]byte, 10))
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestRegisterFrameClone(t *testing.T) {
	f := &RegisterFrame{PC: 1}
	clone := f.Clone()
	clone.PC = 2
	require.Equal(t, uint32(1), f.PC)
	require.Equal(t, uint32(2), clone.PC)
}

func TestRpcEntryArgsApply(t *testing.T) {
	f := &RegisterFrame{}
	args := RpcEntryArgs{Type: 0x4000, SourcePID: 10, DataID: 7, OriginRpcID: 0}
	args.Apply(f)
	require.Equal(t, [4]uint32{0x4000, 10, 7, 0}, [4]uint32{f.R[0], f.R[1], f.R[2], f.R[3]})
}

func TestSyscallResultWriteTo(t *testing.T) {
	f := &RegisterFrame{}
	Ok(42).WriteTo(f)
	require.Equal(t, uint32(42), f.R[0])
	require.Equal(t, uint32(0), f.R[1])

	Fail(12).WriteTo(f)
	require.Equal(t, int32(-12), int32(f.R[1]))
}
