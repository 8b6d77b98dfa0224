package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ChoiceKind selects a resolution policy. Values match the CLI numbering.
type ChoiceKind int

const (
	KeepLocal ChoiceKind = iota + 1
	KeepRemote
	KeepBoth
	AIMerge
)

var choiceNames = map[ChoiceKind]string{
	KeepLocal:  "keep_local",
	KeepRemote: "keep_remote",
	KeepBoth:   "keep_both",
	AIMerge:    "ai_merge",
}

func (k ChoiceKind) String() string {
	if name, ok := choiceNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is one of the four policies.
func (k ChoiceKind) Valid() bool {
	_, ok := choiceNames[k]
	return ok
}

// ValidChoices describes the accepted --choice values.
const ValidChoices = "1=keep_local, 2=keep_remote, 3=keep_both, 4=ai_merge"

// ParseChoice accepts the numeric form (1-4) or the policy name.
func ParseChoice(s string) (ChoiceKind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		k := ChoiceKind(n)
		if k.Valid() {
			return k, nil
		}
		return 0, fmt.Errorf("%w %q (valid: %s)", ErrInvalidChoice, s, ValidChoices)
	}
	for k, name := range choiceNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w %q (valid: %s)", ErrInvalidChoice, s, ValidChoices)
}

// Strategy is the hint passed to the AI merge prompt.
type Strategy string

const (
	SmartMerge   Strategy = "smart_merge"
	ContentBased Strategy = "content_based"
	TimeBased    Strategy = "time_based"
)

// ParseStrategy accepts the three strategy names; empty means SmartMerge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SmartMerge:
		return SmartMerge, nil
	case ContentBased:
		return ContentBased, nil
	case TimeBased:
		return TimeBased, nil
	}
	return "", fmt.Errorf("invalid strategy %q (valid: smart_merge, content_based, time_based)", s)
}

// ResolutionChoice is the policy applied (or requested) for a conflict.
type ResolutionChoice struct {
	Kind ChoiceKind `json:"kind"`
	// ArchiveKey is set for KeepBoth.
	ArchiveKey string `json:"archive_key,omitempty"`
	// Strategy is set for AIMerge.
	Strategy Strategy `json:"strategy,omitempty"`
}
