// Package meter renders the streamer's console level meter.
package meter

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/los3r5/ESP32/internal/dsp"
)

const (
	// Width is the number of cells in a full-scale bar
	Width = 40
	// SilenceLevel is the level below which a block counts as silent
	SilenceLevel = 1.0

	// NoAudio is printed instead of a bar for silent input
	NoAudio = "no audio"
)

var (
	lowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	midStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	highStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	emptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	textStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Cells returns how many of Width cells a value fills, scaled to full scale
func Cells(value float64) int {
	if value <= 0 {
		return 0
	}
	n := int(value / dsp.FullScale * Width)
	return min(n, Width)
}

// Render draws one meter line for a level and a tracked peak. The bar turns
// amber from half scale and red from 90% of full scale.
func Render(level, peak float64) string {
	if level < SilenceLevel {
		return textStyle.Render(NoAudio)
	}

	filled := Cells(level)
	if filled == 0 {
		filled = 1
	}

	var b strings.Builder
	b.WriteString(style(level).Render(strings.Repeat("█", filled)))
	b.WriteString(emptyStyle.Render(strings.Repeat("░", Width-filled)))
	b.WriteString(textStyle.Render(fmt.Sprintf(" level %5.0f  peak %5.0f", level, peak)))
	return b.String()
}

func style(level float64) lipgloss.Style {
	switch fraction := level / dsp.FullScale; {
	case fraction >= 0.9:
		return highStyle
	case fraction >= 0.5:
		return midStyle
	default:
		return lowStyle
	}
}
