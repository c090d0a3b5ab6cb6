//go:build darwin || linux

// Package libloader locates and loads the llama.cpp shared library and binds
// its exported symbols to Go function pointers.
package libloader

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

// EnvLibrary overrides the library search with an explicit path.
const EnvLibrary = "SAMPLECHAIN_LIBLLAMA"

var (
	initOnce sync.Once
	initErr  error

	libHandle uintptr
	libPath   string
)

// Initialize resolves and dlopens the llama library once per process.
func Initialize() error {
	initOnce.Do(func() {
		for _, candidate := range candidates() {
			handle, err := purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				if candidate == os.Getenv(EnvLibrary) {
					log.Printf("samplechain: could not load %s from %s: %v", EnvLibrary, candidate, err)
				}
				continue
			}
			libHandle = handle
			libPath = candidate
			return
		}
		initErr = fmt.Errorf("samplechain: no llama library found; set %s to its path", EnvLibrary)
	})
	return initErr
}

// Handle returns the library handle. Initialize must succeed first.
func Handle() uintptr {
	return libHandle
}

// Path returns the path the library was loaded from.
func Path() string {
	return libPath
}

// Register binds the exported symbol to the provided Go function pointer.
func Register(symbol string, fptr interface{}) error {
	if err := Initialize(); err != nil {
		return err
	}
	addr, err := purego.Dlsym(libHandle, symbol)
	if err != nil {
		return fmt.Errorf("samplechain: failed to resolve %q: %w", symbol, err)
	}
	purego.RegisterFunc(fptr, addr)
	return nil
}

func candidates() []string {
	var out []string
	if p := os.Getenv(EnvLibrary); p != "" {
		out = append(out, p)
	}
	if runtime.GOOS == "darwin" {
		return append(out, "libllama.dylib")
	}
	return append(out, "libllama.so")
}
