// Package channel defines the outbound collaborators the dispatcher talks to:
// the message sender, the optional rewriter and the optional similarity scorer.
package channel

import "context"

// Sender delivers one message. Failures must be classified with
// WrapTransient or WrapTerminal; anything unclassified is retried.
type Sender interface {
	Send(ctx context.Context, to, body string) (externalID string, err error)
}

// Rewriter rephrases a rendered body. Failures are non-fatal to callers.
type Rewriter interface {
	Rewrite(ctx context.Context, body, tone string, hints map[string]string) (string, error)
}

// Similarity scores how alike a set of message bodies is, in [0,1].
type Similarity interface {
	Similarity(ctx context.Context, texts []string) (float64, error)
}

type SenderFunc func(ctx context.Context, to, body string) (string, error)

func (f SenderFunc) Send(ctx context.Context, to, body string) (string, error) {
	return f(ctx, to, body)
}

type RewriterFunc func(ctx context.Context, body, tone string, hints map[string]string) (string, error)

func (f RewriterFunc) Rewrite(ctx context.Context, body, tone string, hints map[string]string) (string, error) {
	return f(ctx, body, tone, hints)
}

type SimilarityFunc func(ctx context.Context, texts []string) (float64, error)

func (f SimilarityFunc) Similarity(ctx context.Context, texts []string) (float64, error) {
	return f(ctx, texts)
}
