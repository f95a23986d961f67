package trace

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
)

func makeLog(t *testing.T, hits ...Hit) *Reader {
	var buf buffer
	w, err := NewWriter(&buf, "arm64", binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		w.Hit(int(h.Cpu), h.Pc, h.Changed)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(io.NopCloser(&buf.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPrinterDump(t *testing.T) {
	r := makeLog(t, Hit{Cpu: 0, Pc: 0x1000}, Hit{Cpu: 1, Pc: 0x2000, Changed: true})
	var out bytes.Buffer
	if err := (&Printer{W: &out}).Dump(r); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || lines[0] != "# hit log v1, arch arm64" {
		t.Fatalf("output:\n%s", out.String())
	}
	if lines[1] != "cpu0   0x1000 continue" || lines[2] != "cpu1   0x2000 redirect" {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestPrinterSummary(t *testing.T) {
	r := makeLog(t,
		Hit{Cpu: 10, Pc: 0x1000},
		Hit{Cpu: 2, Pc: 0x1000, Changed: true},
		Hit{Cpu: 2, Pc: 0x1000},
		Hit{Cpu: 2, Pc: 0xa00},
		Hit{Cpu: 2, Pc: 0xffff0000},
	)
	var out bytes.Buffer
	if err := (&Printer{W: &out, Color: true}).Summary(r); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("output:\n%s", out.String())
	}
	for i, prefix := range []string{"cpu2 0xa00 ", "cpu2 0x1000 ", "cpu2 0xffff0000 ", "cpu10 0x1000 "} {
		if !strings.HasPrefix(lines[i+1], prefix) {
			t.Fatalf("line %d = %q, want prefix %q", i+1, lines[i+1], prefix)
		}
	}
	if !strings.Contains(lines[2], "2 hits, ") {
		t.Fatalf("line %q", lines[2])
	}
	if !strings.Contains(lines[2], colorRedirect+"1 redirected") {
		t.Fatalf("redirect count not colored: %q", lines[2])
	}
	if !strings.Contains(lines[4], "0 redirected") {
		t.Fatalf("line %q", lines[4])
	}
}
