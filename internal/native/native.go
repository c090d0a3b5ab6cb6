//go:build (darwin || linux) && (amd64 || arm64)

// Package native drives llama.cpp's sampler chain through purego, exposing
// it as a sampler.Runtime. The library is resolved lazily on first chain
// construction.
package native

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/domano/samplechain/internal/libloader"
	"github.com/domano/samplechain/sampler"
)

// tokenData mirrors llama_token_data.
type tokenData struct {
	ID    int32
	Logit float32
	P     float32
}

// tokenDataArray mirrors llama_token_data_array.
type tokenDataArray struct {
	Data     *tokenData
	Size     uint64
	Selected int64
	Sorted   bool
}

type chainParams struct {
	NoPerf bool
}

var (
	bindOnce sync.Once
	bindErr  error

	chainDefaultParams func() chainParams
	chainInit          func(chainParams) uintptr
	chainAdd           func(chain, smpl uintptr)

	initLogitBias func(nVocab int32, n int32, bias *logitBiasEntry) uintptr
	initPenalties func(lastN int32, repeat, freq, present float32) uintptr
	initTopK      func(k int32) uintptr
	initTypical   func(p float32, minKeep uint64) uintptr
	initTopP      func(p float32, minKeep uint64) uintptr
	initMinP      func(p float32, minKeep uint64) uintptr
	initTemp      func(t float32) uintptr
	initGrammar   func(vocab uintptr, source, root string) uintptr
	initDist      func(seed uint32) uintptr

	samplerApply  func(smpl uintptr, arr *tokenDataArray)
	samplerAccept func(smpl uintptr, token int32)
	samplerReset  func(smpl uintptr)
	samplerFree   func(smpl uintptr)
)

type logitBiasEntry struct {
	Token int32
	Bias  float32
}

func bind() error {
	bindOnce.Do(func() {
		symbols := []struct {
			name string
			fptr interface{}
		}{
			{"llama_sampler_chain_default_params", &chainDefaultParams},
			{"llama_sampler_chain_init", &chainInit},
			{"llama_sampler_chain_add", &chainAdd},
			{"llama_sampler_init_logit_bias", &initLogitBias},
			{"llama_sampler_init_penalties", &initPenalties},
			{"llama_sampler_init_top_k", &initTopK},
			{"llama_sampler_init_typical", &initTypical},
			{"llama_sampler_init_top_p", &initTopP},
			{"llama_sampler_init_min_p", &initMinP},
			{"llama_sampler_init_temp", &initTemp},
			{"llama_sampler_init_grammar", &initGrammar},
			{"llama_sampler_init_dist", &initDist},
			{"llama_sampler_apply", &samplerApply},
			{"llama_sampler_accept", &samplerAccept},
			{"llama_sampler_reset", &samplerReset},
			{"llama_sampler_free", &samplerFree},
		}
		for _, s := range symbols {
			if err := libloader.Register(s.name, s.fptr); err != nil {
				bindErr = err
				return
			}
		}
	})
	return bindErr
}

// NativeVocab is implemented by vocabularies backed by a llama_vocab handle;
// grammar stages cannot be appended without one.
type NativeVocab interface {
	sampler.Vocabulary
	NativeHandle() uintptr
}

// Runtime builds chains on the loaded llama library.
type Runtime struct{}

// NewRuntime binds the llama sampler symbols and returns a Runtime.
func NewRuntime() (sampler.Runtime, error) {
	if err := bind(); err != nil {
		return nil, err
	}
	return Runtime{}, nil
}

func (Runtime) NewChain() sampler.Chain {
	return &nativeChain{handle: chainInit(chainDefaultParams())}
}

type nativeChain struct {
	handle  uintptr
	scratch []tokenData
}

func (c *nativeChain) add(smpl uintptr) {
	if c.handle != 0 {
		chainAdd(c.handle, smpl)
	}
}

func (c *nativeChain) AppendLogitBias(vocabSize int, bias map[sampler.Token]float32) {
	entries := make([]logitBiasEntry, 0, len(bias))
	for t, b := range bias {
		entries = append(entries, logitBiasEntry{Token: int32(t), Bias: b})
	}
	if len(entries) == 0 {
		return
	}
	c.add(initLogitBias(int32(vocabSize), int32(len(entries)), &entries[0]))
}

func (c *nativeChain) AppendPenalties(window int, repeat, frequency, presence float32, exclude ...sampler.Token) {
	// llama.cpp's penalties sampler has no exclusion list; shielded tokens
	// are only honored by the local runtime.
	c.add(initPenalties(int32(window), repeat, frequency, presence))
}

func (c *nativeChain) AppendTopK(k int) {
	c.add(initTopK(int32(k)))
}

func (c *nativeChain) AppendTypical(p float32, minKeep int) {
	c.add(initTypical(p, uint64(minKeep)))
}

func (c *nativeChain) AppendTopP(p float32, minKeep int) {
	c.add(initTopP(p, uint64(minKeep)))
}

func (c *nativeChain) AppendMinP(p float32, minKeep int) {
	c.add(initMinP(p, uint64(minKeep)))
}

func (c *nativeChain) AppendTemperature(t float32) {
	c.add(initTemp(t))
}

func (c *nativeChain) AppendGrammar(vocab sampler.Vocabulary, source, root string) error {
	nv, ok := vocab.(NativeVocab)
	if !ok {
		return errors.New("native: grammar requires a vocabulary with a native handle")
	}
	smpl := initGrammar(nv.NativeHandle(), source, root)
	if smpl == 0 {
		return errors.Errorf("native: llama rejected grammar rooted at %q", root)
	}
	c.add(smpl)
	return nil
}

func (c *nativeChain) AppendDist(seed uint64) {
	c.add(initDist(uint32(seed)))
}

// Apply marshals the candidate set into a llama_token_data_array, runs the
// chain and copies the result back, honoring any truncation the native
// samplers performed.
func (c *nativeChain) Apply(set *sampler.CandidateSet) error {
	if c.handle == 0 {
		return errors.New("native: chain is closed")
	}
	n := set.Len()
	if n == 0 {
		return sampler.ErrNoValidToken
	}
	if cap(c.scratch) < n {
		c.scratch = make([]tokenData, n)
	}
	c.scratch = c.scratch[:n]
	for i := 0; i < n; i++ {
		cand := set.At(i)
		c.scratch[i] = tokenData{ID: int32(cand.ID), Logit: cand.Logit, P: cand.Prob}
	}
	arr := tokenDataArray{
		Data:     &c.scratch[0],
		Size:     uint64(n),
		Selected: -1,
	}
	samplerApply(c.handle, &arr)

	kept := int(arr.Size)
	if kept > n {
		kept = n
	}
	for i := 0; i < kept; i++ {
		*set.At(i) = sampler.Candidate{
			ID:    sampler.Token(c.scratch[i].ID),
			Logit: c.scratch[i].Logit,
			Prob:  c.scratch[i].P,
		}
	}
	set.Truncate(kept)
	if arr.Selected >= 0 && int(arr.Selected) < kept {
		if math.IsInf(float64(c.scratch[arr.Selected].Logit), -1) {
			return sampler.ErrNoValidToken
		}
		set.Select(int(arr.Selected))
	}
	return nil
}

func (c *nativeChain) Accept(t sampler.Token) {
	if c.handle != 0 {
		samplerAccept(c.handle, int32(t))
	}
}

func (c *nativeChain) Reset() {
	if c.handle != 0 {
		samplerReset(c.handle)
	}
}

func (c *nativeChain) Close() error {
	if c.handle != 0 {
		samplerFree(c.handle)
		c.handle = 0
	}
	return nil
}
