// Package prompt renders the system instructions sent to the upstream when a
// call connects.
//
// The configured instructions come first, followed by generated sections for
// the reply language, the menu and the ordering tool. Sections without
// content are omitted rather than rendered as empty headers. Formatting is
// pure and safe for concurrent use.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/starlight/internal/toolbridge"
)

// Input is everything the instructions are built from.
type Input struct {
	// Instructions is the operator's free-text prompt.
	Instructions string

	// Language is the display name ("Japanese") or tag ("ja-JP") the agent
	// should answer in.
	Language string

	// Menu lists the orderable items with their prices.
	Menu []toolbridge.MenuItem

	// Tools are the names of the tools declared to the upstream.
	Tools []string
}

// Format returns the system instructions for in. It returns "" when in holds
// nothing to say.
func Format(in Input) string {
	var sections []string
	if s := strings.TrimSpace(in.Instructions); s != "" {
		sections = append(sections, s)
	}
	if s := formatLanguage(in.Language); s != "" {
		sections = append(sections, "## Language\n"+s)
	}
	if s := formatMenu(in.Menu); s != "" {
		sections = append(sections, "## Menu\n"+s)
	}
	if s := formatOrdering(in.Tools, len(in.Menu) > 0); s != "" {
		sections = append(sections, "## Taking Orders\n"+s)
	}
	return strings.Join(sections, "\n\n")
}

func formatLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return ""
	}
	return fmt.Sprintf("Always speak %s, even if the caller switches language.", lang)
}

// formatMenu renders one line per item: name, price and any aliases the
// caller might use.
func formatMenu(items []toolbridge.MenuItem) string {
	if len(items) == 0 {
		return ""
	}
	lines := make([]string, 0, len(items)+1)
	for _, it := range items {
		line := fmt.Sprintf("- %s: %s円", it.Name, formatPrice(it.Price))
		if len(it.Aliases) > 0 {
			line += " (also called " + strings.Join(it.Aliases, ", ") + ")"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "Only these items can be ordered. Use the names exactly as listed.")
	return strings.Join(lines, "\n")
}

// formatPrice drops the fraction of whole prices and groups thousands, so
// 1000 renders as "1,000".
func formatPrice(p float64) string {
	if p != float64(int64(p)) {
		return strconv.FormatFloat(p, 'f', 2, 64)
	}
	s := strconv.FormatInt(int64(p), 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func formatOrdering(tools []string, hasMenu bool) string {
	var lines []string
	for _, name := range tools {
		if name != toolbridge.ConfirmOrderTool {
			continue
		}
		lines = append(lines,
			"Read the complete order back to the caller before confirming it.",
			fmt.Sprintf("Once the caller agrees, call %s once with every item, its quantity and unit price, and the order total.", name),
		)
		if hasMenu {
			lines = append(lines, "The total must equal the sum of quantity times unit price.")
		}
		lines = append(lines, "If the tool reports an error, explain the problem to the caller and correct the order.")
	}
	return strings.Join(lines, "\n")
}
