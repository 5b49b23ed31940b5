package workflow

import (
	"fmt"
	"strings"

	"github.com/amlcodes/blurberry/internal/llm"
)

// ExportAgentPrompt renders a workflow as a natural-language brief an
// automation agent can execute.
func ExportAgentPrompt(w *llm.Workflow) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", w.Name)
	if w.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", w.Description)
	}

	b.WriteString("## Steps\n\n")
	for i, step := range w.Steps {
		fmt.Fprintf(&b, "%d. %s", i+1, step.Action)
		if step.Selector != "" {
			fmt.Fprintf(&b, " (element: `%s`)", step.Selector)
		}
		if step.Value != "" {
			fmt.Fprintf(&b, " with value %q", step.Value)
		}
		b.WriteString("\n")
		if step.ExpectedOutcome != "" {
			fmt.Fprintf(&b, "   Expect: %s\n", step.ExpectedOutcome)
		}
	}

	if w.ErrorHandling != "" {
		fmt.Fprintf(&b, "\n## On failure\n\n%s\n", w.ErrorHandling)
	}
	fmt.Fprintf(&b, "\nRepeatability: %d/100. Automation potential: %s.\n",
		w.RepeatabilityScore, w.AutomationPotential)
	if len(w.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(w.Tags, ", "))
	}
	return b.String()
}

// ExportAutomationScript renders a workflow as a chromedp-style Go
// program skeleton. Selectors and values come straight from the
// analysis; the user fills in the rest.
func ExportAutomationScript(w *llm.Workflow) string {
	var b strings.Builder

	fmt.Fprintf(&b, "// %s\n", w.Name)
	if w.Description != "" {
		for _, line := range strings.Split(w.Description, "\n") {
			fmt.Fprintf(&b, "// %s\n", line)
		}
	}
	b.WriteString(`package main

import (
	"context"
	"log"
	"time"

	"github.com/chromedp/chromedp"
)

func main() {
	ctx, cancel := chromedp.NewContext(context.Background())
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	err := chromedp.Run(ctx,
`)

	for _, step := range w.Steps {
		fmt.Fprintf(&b, "\t\t// %s\n", step.Action)
		if step.ExpectedOutcome != "" {
			fmt.Fprintf(&b, "\t\t// expect: %s\n", step.ExpectedOutcome)
		}
		switch {
		case step.Selector != "" && step.Value != "":
			fmt.Fprintf(&b, "\t\tchromedp.SendKeys(%q, %q, chromedp.ByQuery),\n", step.Selector, step.Value)
		case step.Selector != "":
			fmt.Fprintf(&b, "\t\tchromedp.Click(%q, chromedp.ByQuery),\n", step.Selector)
		case strings.HasPrefix(step.Value, "http"):
			fmt.Fprintf(&b, "\t\tchromedp.Navigate(%q),\n", step.Value)
		default:
			b.WriteString("\t\t// TODO: no selector captured for this step\n")
		}
	}

	b.WriteString(`	)
	if err != nil {
		log.Fatal(err)
	}
}
`)
	return b.String()
}
