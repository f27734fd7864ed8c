package link

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig names a serial port. ReadTimeout bounds each read; with a
// timeout set, an idle port reads as io.EOF.
type SerialConfig struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// OpenSerial opens the controller link.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: no serial port configured", ErrUnavailable)
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Name, err)
	}
	return port, nil
}
