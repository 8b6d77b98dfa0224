package resolve

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rcliao/memory-mesh/internal/model"
)

var strategyHints = map[model.Strategy]string{
	model.SmartMerge: "Combine both versions into one value that keeps every non-contradictory fact. " +
		"Where they contradict, prefer the more specific statement.",
	model.ContentBased: "Judge the versions on their content alone. Keep the more complete and " +
		"internally consistent version, folding in anything unique from the other.",
	model.TimeBased: "Prefer the more recently updated version where the two disagree, but keep " +
		"facts from the older version that the newer one does not contradict.",
}

// BuildPrompt renders the merge request for rec.
func BuildPrompt(rec model.ConflictRecord, strategy model.Strategy) string {
	hint, ok := strategyHints[strategy]
	if !ok {
		hint = strategyHints[model.SmartMerge]
		strategy = model.SmartMerge
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Two nodes wrote the shared memory key %q concurrently.\n", rec.Key)
	fmt.Fprintf(&b, "Strategy: %s\n%s\n\n", strategy, hint)
	writeVersion(&b, "LOCAL", rec.Local)
	writeVersion(&b, "REMOTE", rec.Remote)
	b.WriteString("Reply with the merged value only, wrapped in <merged></merged> tags. ")
	b.WriteString("Do not explain your answer.\n")
	return b.String()
}

func writeVersion(b *strings.Builder, label string, e model.MemoryEntry) {
	fmt.Fprintf(b, "=== %s VERSION ===\n", label)
	fmt.Fprintf(b, "node: %s\n", e.OriginNode)
	fmt.Fprintf(b, "updated_at: %s\n", e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(b, "clock: %s\n", e.Clock)
	b.WriteString("content:\n")
	b.Write(e.Value)
	b.WriteString("\n=== END ===\n\n")
}

var (
	mergedTag  = regexp.MustCompile(`(?s)<merged>(.*?)</merged>`)
	codeFence  = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\n?(.*?)\\s*```$")
	labelLine  = regexp.MustCompile(`(?i)^(merged( value| content)?|result|answer)\s*:\s*`)
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// CleanResponse strips formatting a model tends to add around the merged
// value: reasoning blocks, <merged> tags, code fences, a leading label and
// surrounding quotes. An empty result is ErrUnparsableResponse.
func CleanResponse(raw string) (string, error) {
	s := thinkBlock.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)

	if m := mergedTag.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	} else if strings.Contains(s, "<merged>") {
		return "", fmt.Errorf("%w: unterminated <merged> tag", ErrUnparsableResponse)
	}

	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = strings.TrimSpace(labelLine.ReplaceAllString(s, ""))

	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}

	if s == "" {
		return "", fmt.Errorf("%w: empty merged value", ErrUnparsableResponse)
	}
	return s, nil
}
