package hostexec

import "strings"

// ShellQuote escapes one argv word for inclusion in a remote shell command
// line. Every word is single-quoted; embedded single quotes are closed,
// escaped, and reopened. User input is never interpolated unquoted.
func ShellQuote(word string) string {
	if word == "" {
		return "''"
	}
	if !strings.ContainsAny(word, " \t\n\r'\"\\$`!&|;<>(){}[]*?~#") {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'\''`) + "'"
}

// ShellJoin quotes every argv word and joins them into a command line.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, word := range argv {
		quoted[i] = ShellQuote(word)
	}
	return strings.Join(quoted, " ")
}
