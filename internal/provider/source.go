package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/genstream-io/genstream/internal/generate"
)

// ModelSource adapts an Eino chat model's streaming API to the generation
// source contract: one Open per request, content fragments in arrival order.
type ModelSource struct {
	chatModel model.BaseChatModel
}

// NewSource wraps an Eino chat model as a generate.Source.
func NewSource(chatModel model.BaseChatModel) *ModelSource {
	return &ModelSource{chatModel: chatModel}
}

// Open starts a streamed completion for the request's prompt.
func (s *ModelSource) Open(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
	messages := []*schema.Message{
		schema.UserMessage(req.Prompt),
	}

	reader, err := s.chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return &modelStream{reader: reader}, nil
}

// modelStream narrows Eino's chunked messages down to their content.
type modelStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv returns the next content fragment. Eino's reader yields io.EOF when
// the model is done, which is exactly the TokenStream termination contract.
func (s *modelStream) Recv() (string, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// Close releases the underlying stream. Safe to call while Recv is blocked.
func (s *modelStream) Close() {
	s.reader.Close()
}
