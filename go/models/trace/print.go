package trace

import (
	"fmt"
	"io"
	"sort"

	"github.com/mgutz/ansi"
)

var colorRedirect = ansi.ColorCode("green+b")
var colorHeader = ansi.ColorCode("yellow")

type Printer struct {
	W     io.Writer
	Color bool
}

func (p *Printer) paint(color, s string) string {
	if !p.Color {
		return s
	}
	return color + s + ansi.Reset
}

func (p *Printer) header(h *Header) {
	fmt.Fprintln(p.W, p.paint(colorHeader, fmt.Sprintf("# hit log v%d, arch %s", h.Version, h.Arch)))
}

func (p *Printer) hit(h *Hit) {
	flow := "continue"
	if h.Changed {
		flow = p.paint(colorRedirect, "redirect")
	}
	fmt.Fprintf(p.W, "cpu%-3d %#x %s\n", h.Cpu, h.Pc, flow)
}

// Dump prints every record in order.
func (p *Printer) Dump(r *Reader) error {
	p.header(&r.Header)
	for {
		h, err := r.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		p.hit(h)
	}
}

type site struct {
	cpu int
	pc  uint64
}

type count struct {
	site
	hits, changed int
}

// Summary prints hit and redirect counts per vCPU and address, ordered by
// vCPU index and then by address.
func (p *Printer) Summary(r *Reader) error {
	p.header(&r.Header)
	counts := make(map[site]*count)
	for {
		h, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		key := site{int(h.Cpu), h.Pc}
		c, ok := counts[key]
		if !ok {
			c = &count{site: key}
			counts[key] = c
		}
		c.hits++
		if h.Changed {
			c.changed++
		}
	}
	list := make([]*count, 0, len(counts))
	for _, c := range counts {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].cpu != list[j].cpu {
			return list[i].cpu < list[j].cpu
		}
		return list[i].pc < list[j].pc
	})
	for _, c := range list {
		changed := fmt.Sprintf("%d redirected", c.changed)
		if c.changed > 0 {
			changed = p.paint(colorRedirect, changed)
		}
		key := fmt.Sprintf("cpu%d %#x", c.cpu, c.pc)
		fmt.Fprintf(p.W, "%-24s %8d hits, %s\n", key, c.hits, changed)
	}
	return nil
}
