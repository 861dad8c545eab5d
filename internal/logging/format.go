package logging

import (
	"fmt"
	"strings"
)

func sprintf(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func sprintln(args ...any) string {
	return strings.TrimRight(fmt.Sprintln(args...), "\n")
}

func sprint(args ...any) string {
	return strings.TrimRight(fmt.Sprint(args...), "\n")
}
