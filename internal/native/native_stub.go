//go:build !((darwin || linux) && (amd64 || arm64))

package native

import (
	"github.com/pkg/errors"

	"github.com/domano/samplechain/sampler"
)

// NewRuntime reports that no llama backend exists on this platform.
func NewRuntime() (sampler.Runtime, error) {
	return nil, errors.New("native: llama backend is unavailable on this platform")
}
