// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the ZiaraPay operator CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// ZiaraPay palette
var (
	ColorSavanna = lipgloss.Color("#E9A23B") // titles
	ColorAcacia  = lipgloss.Color("#4E8F4A") // success
	ColorDusk    = lipgloss.Color("#8C6A4F") // borders
	ColorStone   = lipgloss.Color("#6B6B6B") // muted text

	ColorSuccess = ColorAcacia
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = ColorStone
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorSavanna),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Underline(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorDusk).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Level controls how rich the output is.
type Level string

const (
	// LevelRich enables colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelMachine outputs plain tab-separated text for scripts.
	LevelMachine Level = "machine"
)

// DetectLevel picks LevelRich for terminals and LevelMachine otherwise.
func DetectLevel(f *os.File) Level {
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return LevelRich
	}
	return LevelMachine
}

// Printer writes styled output.
//
// # Description
//
// Every helper degrades to a stable plain-text form at LevelMachine:
// "OK: ", "WARN: " and "ERROR: " prefixes, tab-separated tables, and
// "key=value" pairs.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	out   io.Writer
	err   io.Writer
	level Level
}

// NewPrinter creates a Printer. Nil writers default to stdout and stderr.
func NewPrinter(out, errOut io.Writer, level Level) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if level == "" {
		level = LevelMachine
	}
	return &Printer{out: out, err: errOut, level: level}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level { return p.level }

// Title prints a styled title. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.level == LevelMachine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning to stderr.
func (p *Printer) Warning(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error to stderr.
func (p *Printer) Error(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// KeyValues prints aligned pairs. pairs alternates key and value.
func (p *Printer) KeyValues(pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		if len(pairs[i]) > width {
			width = len(pairs[i])
		}
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		if p.level == LevelMachine {
			fmt.Fprintf(p.out, "%s=%s\n", pairs[i], pairs[i+1])
			continue
		}
		key := fmt.Sprintf("%-*s", width, pairs[i])
		fmt.Fprintf(p.out, "%s  %s\n", Styles.Muted.Render(key), pairs[i+1])
	}
}

// Table prints rows under headers. Columns are padded to the widest cell.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.level == LevelMachine {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.out, strings.Join(r, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			if n := lipgloss.Width(r[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = Styles.Header.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(p.out, strings.Join(cells, "  "))
	for _, r := range rows {
		for i := range cells {
			v := ""
			if i < len(r) {
				v = r[i]
			}
			cells[i] = pad(v, widths[i])
		}
		fmt.Fprintln(p.out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.out, Styles.Muted.Render("(none)"))
	}
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func (p *Printer) WarningBox(title, content string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.err, "WARN %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.WarningBox.Width(60).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}

// Summary prints counts as "name=value" pairs in machine mode.
func (p *Printer) Summary(names []string, counts []int) {
	parts := make([]string, 0, len(names))
	for i, n := range names {
		if i >= len(counts) {
			break
		}
		if p.level == LevelMachine {
			parts = append(parts, fmt.Sprintf("%s=%d", n, counts[i]))
			continue
		}
		parts = append(parts, Styles.Bold.Render(fmt.Sprintf("%d", counts[i]))+" "+Styles.Muted.Render(n))
	}
	if p.level == LevelMachine {
		fmt.Fprintf(p.out, "SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintln(p.out, strings.Join(parts, "  "))
}

func pad(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
