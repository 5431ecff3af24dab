package flow

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/wanglonggod/ConnectTool12/internal/frame"
)

// maxAllocAttempts bounds the retry loop in Generator.Generate. With a
// 64-character alphabet and 6-character tokens (2^36 combinations) and
// typical concurrent-flow counts (<10k), collisions against the live set
// are astronomically unlikely; this limit exists as a safety net against
// a degenerate Table state.
const maxAllocAttempts = 100

// alphabet is the URL-safe base64 character set (64 symbols), chosen so a
// 6-character token spans exactly 2^36 combinations -- satisfying the
// "≥ 36 bits" floor on flow-id entropy exactly rather than approximately.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// ErrGeneratorExhausted indicates Generate could not find an id not already
// present in the table after the maximum number of attempts. This should
// never occur in practice given the 2^36 token space.
var ErrGeneratorExhausted = errors.New("flow: id generator exhausted retry budget")

// Generator produces fresh flow-ids that are not currently present in a
// Table. It holds no state of its own beyond the source of randomness;
// uniqueness is checked against the Table passed to Generate.
type Generator struct{}

// NewGenerator returns a Generator ready for use.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate samples random flow-ids until it finds one not already present
// in t, and returns it. It does not insert the id into t -- callers
// combine Generate with Table.Add so the check-then-act sequence happens
// under the table's own lock via Table.GenerateAndAdd.
func (g *Generator) Generate(t *Table) (frame.ID, error) {
	return g.sample(t.Has)
}

// generateLocked is the variant used by Table.GenerateAndAdd, which already
// holds t's write lock. It checks the map directly instead of going through
// Table.Has, which would try to re-acquire the (non-reentrant) lock.
func (g *Generator) generateLocked(t *Table) (frame.ID, error) {
	return g.sample(func(id frame.ID) bool {
		_, exists := t.entries[id]
		return exists
	})
}

// sample is the shared retry loop: draw random tokens until taken reports
// one as free, or give up after maxAllocAttempts.
func (g *Generator) sample(taken func(frame.ID) bool) (frame.ID, error) {
	var id frame.ID
	buf := make([]byte, frame.IDLen)

	for range maxAllocAttempts {
		if _, err := rand.Read(buf); err != nil {
			return frame.ID{}, fmt.Errorf("flow: read random bytes: %w", err)
		}

		for i, b := range buf {
			id[i] = alphabet[int(b)%len(alphabet)]
		}

		if !taken(id) {
			return id, nil
		}
	}

	return frame.ID{}, fmt.Errorf("flow: generate id after %d attempts: %w", maxAllocAttempts, ErrGeneratorExhausted)
}
