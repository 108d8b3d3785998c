package generate

import (
	"context"

	"github.com/genstream-io/genstream/internal/scope"
)

// Request describes one generation to run.
type Request struct {
	Scope  scope.Scope
	Prompt string
}

// Source is the opaque generation backend. Open starts producing a response
// for the request and returns a stream of content fragments.
type Source interface {
	Open(ctx context.Context, req Request) (TokenStream, error)
}

// TokenStream yields content fragments in generation order. Recv returns
// io.EOF when the source has finished the response; any other error means the
// source failed. Close releases the stream and may be called concurrently
// with Recv to unblock it.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, req Request) (TokenStream, error)

// Open implements Source.
func (f SourceFunc) Open(ctx context.Context, req Request) (TokenStream, error) {
	return f(ctx, req)
}
