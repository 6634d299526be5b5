package auxlink

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
)

const (
	DefaultBaudRate = 19200

	// readTimeout bounds how long the reader goroutine blocks, so Close
	// does not wait on a silent bike
	readTimeout = 100 * time.Millisecond
	readBufSize = 64
)

// SerialTransport is a Transport over a serial port that also runs the
// receive goroutine
type SerialTransport struct {
	port   io.ReadWriteCloser
	logger *log.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// OpenSerial opens portName at baudRate, 8N1
func OpenSerial(portName string, baudRate int, logger *log.Logger) (*SerialTransport, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "failed to set read timeout on %s", portName)
	}
	return NewSerialTransport(port, logger), nil
}

// NewSerialTransport wraps an already open port
func NewSerialTransport(port io.ReadWriteCloser, logger *log.Logger) *SerialTransport {
	if port == nil {
		panic("SerialTransport: port cannot be nil")
	}
	if logger == nil {
		panic("SerialTransport: logger cannot be nil")
	}
	return &SerialTransport{port: port, logger: logger}
}

func (s *SerialTransport) Writable() bool {
	return !s.closed.Load()
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err != nil {
		return n, errors.Wrap(err, "serial write")
	}
	return n, nil
}

// Start runs the reader goroutine, handing every chunk read to receive
func (s *SerialTransport) Start(receive func(chunk []byte)) {
	go_func_utils.SafeGoWait(&s.wg, s.logger, func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				receive(buf[:n])
			}
			if s.closed.Load() {
				return
			}
			if err != nil {
				s.logger.Printf("SerialTransport: read failed, reader stopped: %v", err)
				return
			}
		}
	})
}

// Close stops the reader and closes the port
func (s *SerialTransport) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.port.Close()
	s.wg.Wait()
	return errors.Wrap(err, "failed to close serial port")
}
