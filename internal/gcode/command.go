package gcode

import "strings"

// NotifyCommand is the magic word users put in their gcode to trigger a
// custom notification. The value is part of the public contract with
// slicer profiles, so it never changes.
const NotifyCommand = "OCTOAPP_NOTIFY"

var notifyPrefixes = buildNotifyPrefixes()

func buildNotifyPrefixes() []string {
	base := NotifyCommand + " MESSAGE="
	// The command appears verbatim, as a comment, or wrapped in an M118
	// echo depending on how the slicer profile emits it.
	return []string{base, ";" + base, "; " + base, "M118 E1 " + base}
}

// NotificationCommand renders the gcode line for a message, for docs and
// for tests.
func NotificationCommand(message string) string {
	return NotifyCommand + " MESSAGE=" + message
}

// MessageFromCommand returns the message carried by a notify command line,
// with surrounding quotes stripped. ok is false when the line is not a
// notify command.
func MessageFromCommand(line string) (message string, ok bool) {
	for _, prefix := range notifyPrefixes {
		if strings.HasPrefix(line, prefix) {
			return stripQuotes(line[len(prefix):]), true
		}
	}
	return "", false
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
