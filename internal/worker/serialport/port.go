// Package serialport opens and configures the tty device files exposed by
// a board's USB-serial interface, for the pulse-count upload/read protocol
// in spec.md §4.2/§6. No serial-port library appears anywhere in the
// retrieved reference pack, so this is configured with raw termios ioctls
// in the same style the teacher uses for ASIC register ioctls
// (internal/driver/device/ioctl.go, before this pass's trim) — see
// DESIGN.md.
package serialport

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ChunkSize and InterChunkDelay implement spec.md §6's bitstream upload
// pacing: "512-byte writes with 10 µs inter-chunk spacing".
const (
	ChunkSize        = 512
	InterChunkDelay  = 10 * time.Microsecond
	ReadinessLine    = "Waiting for bitstream transfer"
	SuccessPrefix    = "pulses: "
	WatchdogTimeout  = "Watchdog timeout"
	defaultBaud      = unix.B115200
	lineReadDeadline = 250 * time.Millisecond
)

// Port is an open, 115200 8N1-configured tty device file.
type Port struct {
	file   *os.File
	reader *bufio.Reader
}

// Open opens path and configures it for 115200 8N1, raw mode, per spec.md
// §6's serial protocol section.
func Open(path string) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	if err := configureRaw(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure serial port %s: %w", path, err)
	}

	return &Port{file: f, reader: bufio.NewReader(f)}, nil
}

// configureRaw sets 115200 8N1 raw mode via termios ioctls.
func configureRaw(f *os.File) error {
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("TCGETS: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | defaultBaud
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1 // deciseconds

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("TCSETS: %w", err)
	}
	return nil
}

// WriteBitstream streams data in ChunkSize-byte writes separated by
// InterChunkDelay, matching the firmware's expected upload pacing.
func (p *Port) WriteBitstream(data []byte) error {
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := p.file.Write(data[off:end]); err != nil {
			return fmt.Errorf("write bitstream chunk at offset %d: %w", off, err)
		}
		if end < len(data) {
			time.Sleep(InterChunkDelay)
		}
	}
	return nil
}

// ReadLine reads one CRLF-terminated line, trimming the terminator.
func (p *Port) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// Close closes the underlying device file.
func (p *Port) Close() error {
	return p.file.Close()
}
