package abi

import "encoding/binary"

// Marshal encodes a register frame as little-endian bytes, the layout a
// real ARM core would leave on the kernel stack at exception entry. Used
// by the panic path to print the CPU register context (spec.md §7:
// "Panics print the CPU register context and stop the CPU").
func Marshal(f *RegisterFrame) []byte {
	buf := make([]byte, 68)
	for i, r := range f.R {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], r)
	}
	binary.LittleEndian.PutUint32(buf[52:56], f.SP)
	binary.LittleEndian.PutUint32(buf[56:60], f.LR)
	binary.LittleEndian.PutUint32(buf[60:64], f.PC)
	binary.LittleEndian.PutUint32(buf[64:68], f.CPSR)
	return buf
}

// Unmarshal decodes bytes produced by Marshal back into a register frame.
func Unmarshal(data []byte) (*RegisterFrame, error) {
	if len(data) < 68 {
		return nil, ErrShortFrame
	}
	f := &RegisterFrame{}
	for i := range f.R {
		f.R[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	f.SP = binary.LittleEndian.Uint32(data[52:56])
	f.LR = binary.LittleEndian.Uint32(data[56:60])
	f.PC = binary.LittleEndian.Uint32(data[60:64])
	f.CPSR = binary.LittleEndian.Uint32(data[64:68])
	return f, nil
}

// MarshalError reports a fixed-layout encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrShortFrame is returned when Unmarshal is given fewer than 68 bytes.
const ErrShortFrame MarshalError = "abi: register frame buffer too short"
