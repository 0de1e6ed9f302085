package bus

import (
	"fmt"

	"github.com/cjeanneret/FeedGo/internal/debug"
	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl from <linux/i2c-dev.h>; it is not
// exported by golang.org/x/sys/unix.
const i2cSlave = 0x0703

// I2CDev is the real implementation using the Linux i2c-dev interface.
type I2CDev struct {
	fd   int
	path string
	addr byte
}

// OpenI2CDev opens a Linux I2C character device (e.g. /dev/i2c-1) and
// binds it to the given 7-bit slave address.
func OpenI2CDev(path string, addr byte) (*I2CDev, error) {
	debug.Info("Opening I2C device %s addr=0x%02X", path, addr)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind slave addr 0x%02X on %s: %w", addr, path, err)
	}

	return &I2CDev{fd: fd, path: path, addr: addr}, nil
}

func (d *I2CDev) ReadReg(reg byte, count int) ([]byte, error) {
	// Standard register read: write the register address, then read back.
	if _, err := unix.Write(d.fd, []byte{reg}); err != nil {
		return nil, fmt.Errorf("%w: write reg 0x%02X on %s: %v", ErrTransport, reg, d.path, err)
	}
	data := make([]byte, count)
	n, err := unix.Read(d.fd, data)
	if err != nil {
		return nil, fmt.Errorf("%w: read reg 0x%02X on %s: %v", ErrTransport, reg, d.path, err)
	}
	if n != count {
		return nil, fmt.Errorf("%w: short read reg 0x%02X on %s: got %d of %d bytes", ErrTransport, reg, d.path, n, count)
	}
	debug.Bus("ReadReg", reg, data)
	return data, nil
}

func (d *I2CDev) WriteReg(reg byte, data []byte) error {
	debug.Bus("WriteReg", reg, data)

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, reg)
	buf = append(buf, data...)
	if _, err := unix.Write(d.fd, buf); err != nil {
		return fmt.Errorf("%w: write reg 0x%02X on %s: %v", ErrTransport, reg, d.path, err)
	}
	return nil
}

func (d *I2CDev) Close() error {
	debug.Trace("Bus Close (i2c-dev %s)", d.path)
	return unix.Close(d.fd)
}
