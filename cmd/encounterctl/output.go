package main

import (
	"fmt"
	"os"
)

// palette holds the ANSI escape codes used for terminal output. All fields
// are empty when color is disabled, so formatting strings can use them
// unconditionally.
type palette struct {
	Reset  string
	Bold   string
	Dim    string
	Green  string
	Yellow string
	Red    string
	Cyan   string
}

// c is the active palette.
var c = newPalette()

func newPalette() palette {
	if !colorEnabled() {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Red:    "\033[31m",
		Cyan:   "\033[36m",
	}
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func printSection(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", c.Bold, c.Cyan, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError:%s %s\n", c.Bold, c.Red, c.Reset, msg)
}

// shortHash trims an id hash for display.
func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}
