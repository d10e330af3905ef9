//go:build !llama

package runtime

// This file provides a no-CGO stub engine compiled when the 'llama' build tag
// is NOT set, keeping default builds and CI CGO-free. The real binding lives
// in llama.go (tagged 'llama').

import (
	"context"
	"errors"
)

type llamaEngine struct{}

// NewLlamaEngine returns the llama.cpp-backed engine. Without the 'llama'
// build tag it refuses to load models instead of mocking behavior.
func NewLlamaEngine() Engine { return llamaEngine{} }

func (llamaEngine) LoadModel(ctx context.Context, spec ModelSpec) (Model, error) {
	return nil, errors.New("llama support not built (missing 'llama' build tag)")
}
