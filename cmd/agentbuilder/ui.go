package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

var (
	brand  = color.New(color.FgHiGreen, color.Bold)
	subtle = color.New(color.FgHiBlack)
	info   = color.New(color.FgCyan)
	good   = color.New(color.FgGreen)
	bad    = color.New(color.FgRed)
)

func banner(subtitle string) {
	fmt.Printf("%s %s\n\n", brand.Sprint("agentbuilder"), subtle.Sprint(subtitle))
}

// table prints rows aligned under headers.
func table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var head, sep strings.Builder
	head.WriteString("  ")
	sep.WriteString("  ")
	for i, h := range headers {
		fmt.Fprintf(&head, "%-*s  ", widths[i], h)
		sep.WriteString(strings.Repeat("─", widths[i]) + "  ")
	}
	subtle.Println(head.String())
	subtle.Println(sep.String())

	for _, row := range rows {
		var line strings.Builder
		line.WriteString("  ")
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(&line, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Println(line.String())
	}
}
