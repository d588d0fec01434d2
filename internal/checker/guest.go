package checker

import (
	"fmt"
	"strconv"
	"strings"
)

// Names bound into every check before it runs.
const (
	StdoutBinding = "stdout"
	StderrBinding = "stderr"
)

// DefaultSuppressed lists the exception categories a check may raise when a
// student's answer is wrong. Authoring validation tolerates them; any other
// exception is a defect in the check itself. NameError is never suppressed:
// a check sees only the output bindings, never names defined by prepared
// code or the submission.
var DefaultSuppressed = []string{"AssertionError", "ValueError", "IndexError", "KeyError"}

// guestString renders s as a guest-language string literal. Go's quoted form
// only uses escapes the guest language also understands, except \x which
// Go emits for invalid UTF-8 and the guest reads as a code point, so invalid
// bytes become U+FFFD first.
func guestString(s string) string {
	return strconv.Quote(strings.ToValidUTF8(s, "\uFFFD"))
}

// bindOutputs prefixes code with assignments of the previous stage's
// captured output.
func bindOutputs(stdout, stderr, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s = %s\n", StdoutBinding, guestString(stdout))
	fmt.Fprintf(&b, "%s = %s\n", StderrBinding, guestString(stderr))
	b.WriteString(code)
	return b.String()
}

// joinPrepared places setup code ahead of the submission in one fragment.
func joinPrepared(prepared, submission string) string {
	if strings.TrimSpace(prepared) == "" {
		return submission
	}
	return strings.TrimRight(prepared, "\n") + "\n" + submission
}

// wrapForAuthoring renders a check so that referencing the implicit bindings
// cannot fail and the suppressed categories are swallowed. The check is
// compiled from a literal, so syntax errors surface as genuine failures.
func wrapForAuthoring(index int, code string, suppressed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s = \"\"\n", StdoutBinding)
	fmt.Fprintf(&b, "%s = \"\"\n", StderrBinding)
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    exec(compile(%s, %s, \"exec\"))\n", guestString(code), guestString(fmt.Sprintf("<test %d>", index)))
	if len(suppressed) > 0 {
		fmt.Fprintf(&b, "except (%s,):\n", strings.Join(suppressed, ", "))
		b.WriteString("    pass\n")
	} else {
		b.WriteString("finally:\n")
		b.WriteString("    pass\n")
	}
	return b.String()
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
