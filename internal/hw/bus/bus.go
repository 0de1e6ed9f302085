package bus

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/FeedGo/internal/debug"
)

// ErrTransport is the base error for register bus I/O failures.
// All read/write failures returned by a Bus wrap this error so callers
// can classify them with errors.Is.
var ErrTransport = fmt.Errorf("bus transport error")

// Bus defines the abstract interface for a register-addressed device bus
// (I2C in practice). This allows plugging in a real Linux i2c-dev
// implementation or a mock for development on PC.
type Bus interface {
	// ReadReg reads count bytes starting at the given register address.
	ReadReg(reg byte, count int) ([]byte, error)
	// WriteReg writes data to the given register address.
	WriteReg(reg byte, data []byte) error
	Close() error
}

// MockBus is a test implementation backed by an in-memory register map.
// Used for development on PC or testing.
type MockBus struct {
	mu   sync.Mutex
	regs map[byte]byte
}

// NewBus creates a device bus based on the chosen mode.
// If mock is true, returns a MockBus (for dev/test).
// If mock is false, opens the Linux i2c-dev device at path for addr.
func NewBus(mock bool, path string, addr byte) (Bus, error) {
	if mock {
		debug.Info("Using MOCK device bus (development mode)")
		return NewMockBus(), nil
	}
	return OpenI2CDev(path, addr)
}

func NewMockBus() *MockBus {
	return &MockBus{regs: make(map[byte]byte)}
}

func (m *MockBus) ReadReg(reg byte, count int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, count)
	for i := range data {
		data[i] = m.regs[reg+byte(i)]
	}
	debug.Bus("ReadReg (mock)", reg, data)
	return data, nil
}

func (m *MockBus) WriteReg(reg byte, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	debug.Bus("WriteReg (mock)", reg, data)
	for i, b := range data {
		m.regs[reg+byte(i)] = b
	}
	return nil
}

func (m *MockBus) Close() error {
	debug.Trace("Bus Close (mock)")
	return nil
}
