package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/verity-labs/dossier/internal/llm"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/ratecontrol"
)

const synthesisSystemPrompt = `You write investigative findings from extracted facts.

Rules:
- Every statement must cite at least one source using the bracketed numbers
  given with the facts, e.g. "The payment cleared on May 4 [2]."
- Write one statement per line.
- Never introduce claims that are not supported by a listed fact.
- Prefer precise dates and amounts over vague phrasing.
- If the facts conflict, state what each source says rather than choosing.`

// SynthesizeAnswer turns the located facts into the prose section of the
// dossier. The prompt numbers each fact; the returned CitationIndex maps
// those numbers back to citation handles so the assembler can verify every
// statement against the registry.
func (a *Activities) SynthesizeAnswer(ctx context.Context, in SynthesizeAnswerInput) (_ SynthesizeAnswerResult, err error) {
	defer func() { recordTask(ctx, string(models.TaskSynthesize), err) }()
	logger := activity.GetLogger(ctx)

	if len(in.Facts) == 0 {
		return SynthesizeAnswerResult{}, nil
	}
	if a.Limits != nil {
		if err := a.Limits.Wait(ctx, ratecontrol.BackendModel); err != nil {
			return SynthesizeAnswerResult{}, err
		}
	}

	prompt, index := buildSynthesisPrompt(in.QueryText, in.Facts)
	resp, err := a.Model.Complete(ctx, llm.CompletionRequest{
		Operation:   "synthesize",
		System:      synthesisSystemPrompt,
		User:        prompt,
		Temperature: 0.2,
		Tier:        "large",
		WorkflowID:  in.QueryHandle,
	})
	if err != nil {
		return SynthesizeAnswerResult{}, fmt.Errorf("synthesize: %w", err)
	}

	logger.Info("answer synthesized",
		"query_handle", in.QueryHandle,
		"facts", len(in.Facts),
		"tokens_used", resp.TokensUsed,
	)
	return SynthesizeAnswerResult{
		Text:          strings.TrimSpace(resp.Text),
		CitationIndex: index,
		TokensUsed:    resp.TokensUsed,
	}, nil
}

// buildSynthesisPrompt numbers the facts 1..n and returns the prompt plus the
// handle index in the same order.
func buildSynthesisPrompt(queryText string, facts []models.NormalizedFact) (string, []string) {
	var sb strings.Builder
	index := make([]string, 0, len(facts))

	sb.WriteString("Question: ")
	sb.WriteString(queryText)
	sb.WriteString("\n\nFacts:\n")
	for i, f := range facts {
		index = append(index, f.CitationID)
		fmt.Fprintf(&sb, "[%d] %s %s: %s", i+1, f.Subject, f.Predicate, f.Value)
		if f.Timestamp != nil {
			fmt.Fprintf(&sb, " (as of %s)", f.Timestamp.Format("2006-01-02"))
		}
		fmt.Fprintf(&sb, " (source dated %s)\n", f.DocumentDate.Format("2006-01-02"))
	}
	sb.WriteString("\nWrite the findings now, one statement per line, citing fact numbers in brackets.")
	return sb.String(), index
}
