package samplechain

import (
	"github.com/domano/samplechain/internal/native"
	"github.com/domano/samplechain/sampler"
)

// NewNativeRuntime returns a sampler runtime backed by the llama.cpp shared
// library. The library is located through the SAMPLECHAIN_LIBLLAMA
// environment variable or the default search path; an error means it could
// not be loaded or is missing required symbols.
func NewNativeRuntime() (sampler.Runtime, error) {
	return native.NewRuntime()
}
