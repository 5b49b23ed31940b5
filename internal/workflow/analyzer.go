package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amlcodes/blurberry/internal/history"
	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/logging"
)

// ErrNothingToAnalyze means the requested scope has no recorded visits.
var ErrNothingToAnalyze = errors.New("no browsing history to analyze")

const (
	analysisTimeout = 120 * time.Second

	// maxContextChars caps the assembled prompt so long sessions stay
	// inside the model's context window.
	maxContextChars = 16000

	maxSelectorExamples = 5
)

// Analyzer turns recorded browsing activity into structured workflow
// descriptions via the configured LLM, caching results per session.
type Analyzer struct {
	store  *history.Store
	client llm.Client
}

func NewAnalyzer(store *history.Store, client llm.Client) *Analyzer {
	return &Analyzer{store: store, client: client}
}

// AnalyzeSession analyzes one session's visits and interactions. The
// result is cached; returns ErrNothingToAnalyze when the session has no
// visits.
func (a *Analyzer) AnalyzeSession(ctx context.Context, sessionID string) (*llm.Workflow, error) {
	prompt, err := a.buildSessionPrompt(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	workflow, err := a.client.GenerateWorkflow(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze session: %w", err)
	}
	a.cache(ctx, sessionID, workflow)
	return workflow, nil
}

// StreamSessionAnalysis is AnalyzeSession with partial results surfaced
// through onPartial as the model streams.
func (a *Analyzer) StreamSessionAnalysis(ctx context.Context, sessionID string, onPartial func(*llm.Workflow)) (*llm.Workflow, error) {
	prompt, err := a.buildSessionPrompt(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	workflow, err := a.client.StreamWorkflow(ctx, prompt, onPartial)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze session: %w", err)
	}
	a.cache(ctx, sessionID, workflow)
	return workflow, nil
}

// AnalyzeRecentHistory analyzes the most recent visits across sessions.
// Results are not cached because the window shifts with every visit.
func (a *Analyzer) AnalyzeRecentHistory(ctx context.Context, limit int) (*llm.Workflow, error) {
	visits, err := a.store.GetRecentVisits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent visits: %w", err)
	}
	if len(visits) == 0 {
		return nil, ErrNothingToAnalyze
	}
	// GetRecentVisits is newest-first; the prompt reads chronologically.
	sort.Slice(visits, func(i, j int) bool { return visits[i].Timestamp.Before(visits[j].Timestamp) })

	prompt, err := a.buildPrompt(ctx, "Recent browsing activity", visits)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	workflow, err := a.client.GenerateWorkflow(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze recent history: %w", err)
	}
	return workflow, nil
}

// CachedWorkflow returns the latest cached analysis for a session, or
// nil when none exists or the cached payload no longer parses.
func (a *Analyzer) CachedWorkflow(ctx context.Context, sessionID string) (*llm.Workflow, error) {
	row, err := a.store.GetLatestWorkflowCache(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	var workflow llm.Workflow
	if err := json.Unmarshal([]byte(row.WorkflowData), &workflow); err != nil {
		logging.Warn("Discarding unparseable cached workflow for session %s: %v", sessionID, err)
		return nil, nil
	}
	return &workflow, nil
}

func (a *Analyzer) cache(ctx context.Context, sessionID string, workflow *llm.Workflow) {
	data, err := json.Marshal(workflow)
	if err != nil {
		return
	}
	if err := a.store.SaveWorkflowCache(ctx, sessionID, string(data)); err != nil {
		logging.Warn("Failed to cache workflow for session %s: %v", sessionID, err)
	}
}

func (a *Analyzer) buildSessionPrompt(ctx context.Context, sessionID string) (string, error) {
	visits, err := a.store.GetSessionVisits(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session visits: %w", err)
	}
	if len(visits) == 0 {
		return "", ErrNothingToAnalyze
	}
	return a.buildPrompt(ctx, fmt.Sprintf("Browsing session %s", sessionID), visits)
}

// buildPrompt renders visits and their interactions into a compact text
// block for the model. Interactions are summarized per type with a few
// example selectors rather than dumped raw.
func (a *Analyzer) buildPrompt(ctx context.Context, header string, visits []history.PageVisit) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d page visits):\n\n", header, len(visits))

	for i, visit := range visits {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, visit.Timestamp.Format("15:04:05"), visit.URL)
		if visit.Title != "" {
			fmt.Fprintf(&b, " - %q", visit.Title)
		}
		if visit.DurationMS != nil {
			fmt.Fprintf(&b, " (%s)", (time.Duration(*visit.DurationMS) * time.Millisecond).Round(time.Second))
		}
		b.WriteString("\n")

		interactions, err := a.store.GetVisitInteractions(ctx, visit.ID)
		if err != nil {
			logging.Warn("Failed to load interactions for visit %d: %v", visit.ID, err)
			continue
		}
		if summary := summarizeInteractions(interactions); summary != "" {
			fmt.Fprintf(&b, "   interactions: %s\n", summary)
		}

		if b.Len() > maxContextChars {
			fmt.Fprintf(&b, "\n... truncated, %d more visits omitted\n", len(visits)-i-1)
			break
		}
	}

	b.WriteString("\nDescribe the workflow this activity represents.")
	return b.String(), nil
}

// summarizeInteractions collapses an interaction list into counts per
// type with up to a few example selectors each.
func summarizeInteractions(interactions []history.Interaction) string {
	if len(interactions) == 0 {
		return ""
	}

	counts := make(map[string]int)
	selectors := make(map[string][]string)
	var order []string
	for _, in := range interactions {
		if counts[in.Type] == 0 {
			order = append(order, in.Type)
		}
		counts[in.Type]++
		if in.Selector != "" && len(selectors[in.Type]) < maxSelectorExamples {
			seen := false
			for _, s := range selectors[in.Type] {
				if s == in.Selector {
					seen = true
					break
				}
			}
			if !seen {
				selectors[in.Type] = append(selectors[in.Type], in.Selector)
			}
		}
	}

	parts := make([]string, 0, len(order))
	for _, typ := range order {
		part := fmt.Sprintf("%d %s", counts[typ], typ)
		if examples := selectors[typ]; len(examples) > 0 {
			part += fmt.Sprintf(" (%s)", strings.Join(examples, ", "))
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
