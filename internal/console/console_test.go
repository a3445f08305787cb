package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestWriteCRLFExpansion(t *testing.T) {
	var buf bytes.Buffer
	c := New(Options{CRLF: true})
	c.SetOutputWriter(&buf)

	n, err := c.WriteString("ab\ncd\n")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Errorf("n = %d, want 6 (expansion must not leak into the count)", n)
	}
	if got := buf.String(); got != "ab\r\ncd\r\n" {
		t.Errorf("output = %q, want %q", got, "ab\r\ncd\r\n")
	}
}

func TestWriteNoCRLF(t *testing.T) {
	var buf bytes.Buffer
	c := New(Options{})
	c.SetOutputWriter(&buf)

	c.WriteString("x\ny")
	if got := buf.String(); got != "x\ny" {
		t.Errorf("output = %q, want %q", got, "x\ny")
	}
}

func TestWriteWithoutHookDropsOutput(t *testing.T) {
	c := New(Options{CRLF: true})
	n, err := c.WriteString("dropped")
	if err != nil || n != 7 {
		t.Errorf("Write without hook = (%d, %v), want (7, nil)", n, err)
	}
}

func TestReadLineStopsAtNewline(t *testing.T) {
	c := New(Options{})
	c.SetInput(InputFromReader(strings.NewReader("hello\nworld")))

	buf := make([]byte, 64)
	n := c.ReadLine(buf)
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	if string(buf[:n]) != "hello\n" {
		t.Errorf("line = %q, want %q", buf[:n], "hello\n")
	}

	// The terminator is included in the count, carriage return too.
	c.SetInput(InputFromReader(strings.NewReader("ok\rrest")))
	n = c.ReadLine(buf)
	if string(buf[:n]) != "ok\r" {
		t.Errorf("line = %q, want %q", buf[:n], "ok\r")
	}
}

func TestReadLineShortBuffer(t *testing.T) {
	c := New(Options{})
	c.SetInput(InputFromReader(strings.NewReader("abcdef")))

	buf := make([]byte, 4)
	n := c.ReadLine(buf)
	if n != 4 || string(buf[:n]) != "abcd" {
		t.Errorf("ReadLine = %q (%d), want \"abcd\" (4)", buf[:n], n)
	}
}

func TestReadLineNoHook(t *testing.T) {
	c := New(Options{})
	if n := c.ReadLine(make([]byte, 8)); n != 0 {
		t.Errorf("ReadLine without hook = %d, want 0", n)
	}
}

func TestSynchronizedWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	c := New(Options{Sync: true})
	c.SetOutputWriter(&buf)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.WriteString("abcd")
			}
		}()
	}
	wg.Wait()

	out := buf.String()
	if len(out) != writers*50*4 {
		t.Fatalf("output length = %d, want %d", len(out), writers*50*4)
	}
	for i := 0; i+4 <= len(out); i += 4 {
		if out[i:i+4] != "abcd" {
			t.Fatalf("interleaved output at %d: %q", i, out[i:i+4])
		}
	}
}
