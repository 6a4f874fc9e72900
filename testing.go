package kestrel

import (
	"fmt"
	"io"
	"sync"

	"github.com/kestrel-os/kestrel/internal/collab"
)

// MockFirmware is a Firmware collaborator for tests, returning a fixed
// BootInfo and recording whether RelocateDeviceTree was called. The
// teacher's MockBackend (a fully scriptable, call-counting stand-in for
// the one external dependency Device can't avoid) is the model for every
// mock in this file.
type MockFirmware struct {
	mu          sync.Mutex
	info        BootInfo
	relocated   bool
	parseErr    error
	relocateErr error
}

// BootInfo is re-exported here so callers of the mocks don't need to
// import internal/collab directly.
type BootInfo = collab.BootInfo

// NewMockFirmware returns a mock that parses to info.
func NewMockFirmware(info BootInfo) *MockFirmware {
	return &MockFirmware{info: info}
}

func (f *MockFirmware) Parse(blob []byte) (BootInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parseErr != nil {
		return BootInfo{}, f.parseErr
	}
	return f.info, nil
}

func (f *MockFirmware) RelocateDeviceTree(mapper collab.AddressMapper) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocated = true
	return f.relocateErr
}

// Relocated reports whether RelocateDeviceTree has been called.
func (f *MockFirmware) Relocated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relocated
}

// SetParseError makes future Parse calls fail, for boot-failure tests.
func (f *MockFirmware) SetParseError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parseErr = err
}

// MockLoader is a Loader collaborator that returns a fixed entry point
// without mapping anything, and records every call it received.
type MockLoader struct {
	mu      sync.Mutex
	entry   uintptr
	loadErr error
	calls   int
}

// NewMockLoader returns a mock that always resolves to entry.
func NewMockLoader(entry uintptr) *MockLoader {
	return &MockLoader{entry: entry}
}

func (l *MockLoader) Load(mapper collab.AddressMapper, image io.ReaderAt, imageLen int64) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.loadErr != nil {
		return 0, l.loadErr
	}
	return l.entry, nil
}

// Calls reports how many times Load has been invoked.
func (l *MockLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// MockInitrdReader serves fixed file contents out of an in-memory map,
// ignoring the physical range arguments entirely.
type MockInitrdReader struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMockInitrdReader returns a reader backed by files.
func NewMockInitrdReader(files map[string][]byte) *MockInitrdReader {
	return &MockInitrdReader{files: files}
}

func (r *MockInitrdReader) Lookup(physStart, physEnd uintptr, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("kestrel: mock initrd has no file %q", name)
	}
	return data, nil
}

var (
	_ collab.Firmware     = (*MockFirmware)(nil)
	_ collab.Loader       = (*MockLoader)(nil)
	_ collab.InitrdReader = (*MockInitrdReader)(nil)
)
