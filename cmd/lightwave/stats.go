package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/engine"
)

// statsPrinter writes one line per diagnostics tick. FPS is green while
// no frame has been dropped since the previous line, yellow otherwise.
type statsPrinter struct {
	out       io.Writer
	ok        *color.Color
	warn      *color.Color
	bad       *color.Color
	lastDrops uint64
}

func newStatsPrinter(out io.Writer) *statsPrinter {
	p := &statsPrinter{
		out:  out,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
	}
	if f, isFile := out.(*os.File); !isFile || f != os.Stdout || os.Getenv("NO_COLOR") != "" {
		for _, c := range []*color.Color{p.ok, p.warn, p.bad} {
			c.DisableColor()
		}
	}
	return p
}

// Print runs on the diagnostics goroutine.
func (p *statsPrinter) Print(st engine.Stats) {
	r := st.Render
	fps := p.ok
	if r.Drops > p.lastDrops {
		fps = p.warn
	}
	p.lastDrops = r.Drops

	effect := "idle"
	if r.Effect >= 0 {
		effect = fmt.Sprintf("#%d", r.Effect)
	}
	line := fmt.Sprintf("%s fps  frame avg %v max %v  drops %d  effect %s  phase %s  rejected %d",
		fps.Sprintf("%6.1f", r.FPS),
		r.AvgFrame, r.MaxFrame, r.Drops, effect, st.Renderer.Phase, st.Rejected+st.Renderer.Rejected)

	if st.Breaker == "open" {
		line += "  output " + p.bad.Sprint("open")
	}
	for _, u := range st.Degraded {
		line += "  " + p.warn.Sprintf("%s degraded", u)
	}
	fmt.Fprintln(p.out, line)
}
