package capture

import (
	"encoding/binary"
	"log/slog"
)

// readLoop copies samples into buf after each read until stop is closed.
// Reads rejected by overrun still fill samples and are kept. Any other read
// error ends the loop and is returned.
func readLoop(read func() error, overrun func(error) bool, samples []int16, buf *buffer, stop <-chan struct{}, log *slog.Logger) error {
	chunk := make([]byte, len(samples)*2)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := read(); err != nil {
			if !overrun(err) {
				return err
			}
			log.Debug("input overflowed")
		}
		for i, s := range samples {
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(s))
		}
		buf.write(chunk)
	}
}
