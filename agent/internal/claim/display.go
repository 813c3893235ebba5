package claim

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

const boxWidth = 78

// Display writes the claim instructions for an operator. The token is shown
// in clear here and nowhere else.
func Display(w io.Writer, agentID uuid.UUID, token, claimURL string, expiresAt, now time.Time) {
	border := color.New(color.FgCyan)
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Bold)
	value := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	hours := int(math.Max(0, math.Floor(expiresAt.Sub(now).Hours())))

	line := func(s string, c *color.Color) {
		pad := boxWidth - 4 - len(s)
		if pad < 0 {
			pad = 0
		}
		border.Fprint(w, "║ ")
		if c != nil {
			c.Fprint(w, s)
		} else {
			fmt.Fprint(w, s)
		}
		fmt.Fprint(w, strings.Repeat(" ", pad))
		border.Fprintln(w, " ║")
	}
	field := func(name, v string) {
		pad := boxWidth - 4 - len(name) - len(v)
		if pad < 0 {
			pad = 0
		}
		border.Fprint(w, "║ ")
		label.Fprint(w, name)
		value.Fprint(w, v)
		fmt.Fprint(w, strings.Repeat(" ", pad))
		border.Fprintln(w, " ║")
	}
	rule := func(left, right string) {
		border.Fprintln(w, left+strings.Repeat("═", boxWidth-2)+right)
	}

	fmt.Fprintln(w)
	rule("╔", "╗")
	line("AGENT REGISTRATION REQUIRED", title)
	rule("╠", "╣")
	line("", nil)
	field("Agent ID:    ", agentID.String())
	field("Claim Token: ", "")
	line("  "+token, value)
	line("", nil)
	line("To claim this agent:", label)
	line("  1. Open "+claimURL, nil)
	line("  2. Enter the Agent ID and Claim Token shown above", nil)
	line("  3. Approve the agent for your organization", nil)
	line("", nil)
	line(fmt.Sprintf("Expires: %s (%d hours remaining)",
		expiresAt.Local().Format("2006-01-02 15:04:05 MST"), hours), warn)
	line("", nil)
	line("Waiting for the claim to complete...", nil)
	rule("╚", "╝")
	fmt.Fprintln(w)
}
