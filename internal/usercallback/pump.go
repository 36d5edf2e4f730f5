// Package usercallback implements C6: the async-read-then-respond pump
// that iptables emulation (C7) rides on. A fixed-size buffer is posted to
// a kernel-mode device; when the kernel completes it, a user-supplied
// handler runs over the filled buffer, its status code is written back to
// the kernel, and the same buffer is re-posted -- except on cancellation,
// where the pump stops without re-posting (spec.md §4.4).
package usercallback

import (
	"context"
	"fmt"

	"github.com/microsoft/WSL-sub002/internal/log"
)

// Device is the kernel-mode collaborator a Pump drives: Read blocks until
// the kernel completes a posted buffer (or ctx is cancelled), and
// SendResponse reports the handler's status code for the buffer most
// recently returned by Read. Production code backs this with a Windows
// device handle opened against the iptables emulation driver; tests use a
// channel-backed fake.
type Device interface {
	Read(ctx context.Context, buf []byte) (n int, err error)
	SendResponse(status int32) error
}

// Handler processes one completed buffer and returns the status code to
// report back to the kernel.
type Handler func(buf []byte, n int) int32

// Pump runs the read-handle-respond-repost loop described above.
type Pump struct {
	device  Device
	handler Handler
	bufSize int
}

// New returns a Pump that reads up to bufSize bytes per iteration.
func New(device Device, bufSize int, handler Handler) *Pump {
	return &Pump{device: device, handler: handler, bufSize: bufSize}
}

// Run posts the buffer, waits for completion, invokes the handler, and
// repeats until ctx is cancelled or the device returns a non-cancellation
// error. On cancellation the buffer is not reposted: Run simply returns.
func (p *Pump) Run(ctx context.Context) error {
	buf := make([]byte, p.bufSize)
	for {
		n, err := p.device.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				log.G(ctx).Debug("usercallback: pump cancelled, not reposting")
				return ctx.Err()
			}
			return fmt.Errorf("usercallback: device read failed: %w", err)
		}

		status := p.handler(buf, n)

		if err := p.device.SendResponse(status); err != nil {
			return fmt.Errorf("usercallback: send response failed: %w", err)
		}
		// Looping back to device.Read reposts the same fixed-size buffer.
	}
}
