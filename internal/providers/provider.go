package providers

import (
	"context"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Provider is the synchronous LLM contract consumed by the tool loop
// (§4.3): one round trip in, one normalized Response out.
type Provider interface {
	Chat(ctx context.Context, messages []models.Message, tools []models.Tool, system, model string) (*models.Response, error)
	Name() string
}

// ModelInfo describes a model a provider can target, for operator
// listing and config validation.
type ModelInfo struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}
