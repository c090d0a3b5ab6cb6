package sampler

import "sync"

// CandidateSet is the working distribution for one sampling step: an ordered
// sequence of candidates plus the index selected by the draw stage. Stages
// mutate it in place; truncation shrinks the logical window while the backing
// array keeps its capacity for reuse.
type CandidateSet struct {
	data     []Candidate
	selected int
	sorted   bool
}

// NewCandidateSet returns an empty set with capacity for size candidates.
func NewCandidateSet(size int) *CandidateSet {
	return &CandidateSet{data: make([]Candidate, 0, size), selected: -1}
}

// Fill resets the set to one candidate per logit, in token order.
func (c *CandidateSet) Fill(logits []float32) {
	c.data = c.data[:0]
	for i, l := range logits {
		c.data = append(c.data, Candidate{ID: Token(i), Logit: l})
	}
	c.selected = -1
	c.sorted = false
}

// FillOne resets the set to a single candidate.
func (c *CandidateSet) FillOne(t Token, logit float32) {
	c.data = append(c.data[:0], Candidate{ID: t, Logit: logit})
	c.selected = -1
	c.sorted = true
}

// FillFrom resets the set to a copy of the candidates of other.
func (c *CandidateSet) FillFrom(other *CandidateSet) {
	c.data = append(c.data[:0], other.data...)
	c.selected = -1
	c.sorted = other.sorted
}

func (c *CandidateSet) Len() int { return len(c.data) }

// At returns the i-th candidate for in-place mutation.
func (c *CandidateSet) At(i int) *Candidate { return &c.data[i] }

// Truncate drops all candidates past n. A selected index outside the new
// window is cleared so it can never refer past the logical size.
func (c *CandidateSet) Truncate(n int) {
	if n < 0 || n >= len(c.data) {
		return
	}
	c.data = c.data[:n]
	if c.selected >= n {
		c.selected = -1
	}
}

// Select marks the i-th candidate as the chain's choice.
func (c *CandidateSet) Select(i int) {
	if i >= 0 && i < len(c.data) {
		c.selected = i
	}
}

// Selected returns the candidate marked by the draw stage.
func (c *CandidateSet) Selected() (Candidate, bool) {
	if c.selected < 0 || c.selected >= len(c.data) {
		return Candidate{}, false
	}
	return c.data[c.selected], true
}

// Pool hands out vocabulary-sized scratch candidate sets so a sampling step
// does not allocate. Callers must return every set they take, on every exit
// path.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool returns a pool of candidate sets sized for a vocabulary.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any { return NewCandidateSet(size) }
	return p
}

// Get checks out an empty candidate set.
func (p *Pool) Get() *CandidateSet {
	return p.pool.Get().(*CandidateSet)
}

// Put returns a set to the pool. Sets that grew beyond the pooled size are
// dropped so the pool stays bounded.
func (p *Pool) Put(c *CandidateSet) {
	if c == nil || cap(c.data) > p.size {
		return
	}
	c.data = c.data[:0]
	c.selected = -1
	c.sorted = false
	p.pool.Put(c)
}
