package services

import "context"

// Summarizer condenses text with a language model.
type Summarizer interface {
	// Summarize returns a summary of text following instructions.
	Summarize(ctx context.Context, instructions, text string) (string, error)
}
