// Package scenario is test-only tooling: a tiny DSL for describing
// tooth-edge sequences in decoder tests, e.g.
// "edge 341 x57 edge 1023 cmp edge 341". It is tokenized with
// github.com/google/shlex (a teacher dependency otherwise unused in this
// transformation) rather than strings.Fields, so quoted/escaped tokens
// are available if a future fixture needs them.
package scenario

import (
	"fmt"
	"strconv"

	"github.com/google/shlex"
)

// StepKind distinguishes the step verbs the DSL understands.
type StepKind uint8

const (
	// StepEdge advances the clock by Arg microseconds, then fires a CKP
	// rising edge.
	StepEdge StepKind = iota
	// StepCMP fires a CMP rising edge at the current clock time, without
	// advancing it.
	StepCMP
	// StepRepeat re-runs the previous step Arg total times (including the
	// one already executed), written "xN" in the DSL.
	StepRepeat
)

// Step is one parsed DSL token.
type Step struct {
	Kind StepKind
	Arg  uint64
}

// Parse tokenizes s and expands it into a flat sequence of edge/cmp steps
// — "xN" repeat markers are resolved here so callers only ever see
// StepEdge/StepCMP.
func Parse(s string) ([]Step, error) {
	tokens, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("scenario: tokenizing %q: %w", s, err)
	}

	var steps []Step
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "edge":
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("scenario: %q missing delta", tok)
			}
			delta, err := strconv.ParseUint(tokens[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("scenario: edge delta %q: %w", tokens[i], err)
			}
			steps = append(steps, Step{Kind: StepEdge, Arg: delta})
		case "cmp":
			steps = append(steps, Step{Kind: StepCMP})
		default:
			if len(tok) > 1 && tok[0] == 'x' {
				n, err := strconv.ParseUint(tok[1:], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("scenario: repeat count %q: %w", tok, err)
				}
				if len(steps) == 0 {
					return nil, fmt.Errorf("scenario: %q has no preceding step to repeat", tok)
				}
				last := steps[len(steps)-1]
				for r := uint64(1); r < n; r++ {
					steps = append(steps, last)
				}
				continue
			}
			return nil, fmt.Errorf("scenario: unknown token %q", tok)
		}
	}
	return steps, nil
}

// Run executes steps, calling fireEdge(deltaUS) for each StepEdge and
// fireCMP() for each StepCMP, in order.
func Run(steps []Step, fireEdge func(deltaUS uint64), fireCMP func()) {
	for _, st := range steps {
		switch st.Kind {
		case StepEdge:
			fireEdge(st.Arg)
		case StepCMP:
			fireCMP()
		}
	}
}
