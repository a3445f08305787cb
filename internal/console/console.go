// Package console implements the firmware's character I/O device.
//
// The firmware's libc only needs two hooks from its host: somewhere to put
// a character and somewhere to get one. Both are installed at runtime, the
// host-side equivalent of the stdout/stdin hook install calls in an RTOS
// libc shim. Until a hook is installed, output is dropped and input reads
// as empty.
package console

import (
	"io"
	"sync"
)

// OutputHook receives one output byte.
type OutputHook func(b byte)

// InputHook returns the next input byte, or ok=false when no input is
// available.
type InputHook func() (b byte, ok bool)

// Options configures the device.
type Options struct {
	// CRLF expands \n to \r\n on the output path, the usual serial
	// console convention.
	CRLF bool
	// Sync serializes the whole output path under a lock so lines from
	// concurrent writers do not interleave mid-sequence.
	Sync bool
}

// Console is the host side of the firmware's character I/O.
type Console struct {
	mu   sync.Mutex
	out  OutputHook
	in   InputHook
	opts Options
}

// New creates a console with no hooks installed.
func New(opts Options) *Console {
	return &Console{opts: opts}
}

// SetOutput installs the output hook.
func (c *Console) SetOutput(fn OutputHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = fn
}

// SetOutputWriter installs an io.Writer as the output hook.
func (c *Console) SetOutputWriter(w io.Writer) {
	c.SetOutput(func(b byte) {
		_, _ = w.Write([]byte{b})
	})
}

// SetInput installs the input hook.
func (c *Console) SetInput(fn InputHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = fn
}

// Write sends p to the output hook, expanding \n to \r\n when configured.
// It reports len(p) bytes written: the expansion is a device detail, not
// something the firmware's write call gets to see.
func (c *Console) Write(p []byte) (int, error) {
	if c.opts.Sync {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	out := c.out
	if out == nil {
		return len(p), nil
	}

	for _, b := range p {
		if b == '\n' && c.opts.CRLF {
			out('\r')
		}
		out(b)
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (c *Console) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// ReadLine fills buf from the input hook, stopping after a \n or \r
// (included in the count) or when buf is full. Returns the number of bytes
// read; zero when no input hook is installed or input is exhausted.
func (c *Console) ReadLine(buf []byte) int {
	c.mu.Lock()
	in := c.in
	c.mu.Unlock()

	if in == nil {
		return 0
	}

	i := 0
	for i < len(buf) {
		b, ok := in()
		if !ok {
			break
		}
		buf[i] = b
		i++
		if b == '\n' || b == '\r' {
			break
		}
	}
	return i
}

// InputFromReader adapts an io.Reader into an InputHook.
func InputFromReader(r io.Reader) InputHook {
	one := make([]byte, 1)
	return func() (byte, bool) {
		if n, _ := r.Read(one); n == 1 {
			return one[0], true
		}
		return 0, false
	}
}
