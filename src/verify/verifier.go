package verify

import (
	"context"
	"time"
)

// Result is the outcome of checking one range.
type Result struct {
	AllConverged   bool
	NumbersChecked uint64
	MaxSteps       uint64
	ComputeTime    float64
}

// Verifier checks that every odd number in a range converges. Production
// deployments plug in optimized kernels; the reference implementation below
// exists for tests and for running a node end to end without one.
type Verifier interface {
	VerifyRange(ctx context.Context, start, end uint64, stepLimit uint64) (*Result, error)
}

// ReferenceVerifier is a plain, unoptimized Verifier.
type ReferenceVerifier struct{}

func NewReferenceVerifier() *ReferenceVerifier {
	return &ReferenceVerifier{}
}

// VerifyRange implements the Verifier interface. Even numbers halve into
// smaller cases, so only odd values are walked. A number that exceeds the
// step limit counts as non-convergent.
func (v *ReferenceVerifier) VerifyRange(ctx context.Context, start, end uint64, stepLimit uint64) (*Result, error) {
	began := time.Now()

	res := &Result{AllConverged: true}

	n := start
	if n%2 == 0 {
		n++
	}
	for ; n < end; n += 2 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		steps, converged := walk(n, stepLimit)
		if !converged {
			res.AllConverged = false
		}
		if steps > res.MaxSteps {
			res.MaxSteps = steps
		}
		res.NumbersChecked++
	}

	res.ComputeTime = time.Since(began).Seconds()
	return res, nil
}

// walk iterates one value until it falls below its starting point, which is
// enough to establish convergence when all smaller values converge.
func walk(n uint64, stepLimit uint64) (uint64, bool) {
	start := n
	var steps uint64

	for n >= start {
		if steps >= stepLimit {
			return steps, false
		}
		if n%2 == 0 {
			n = n / 2
		} else {
			// overflow guard: 3n+1 must fit
			if n > (1<<63)/3 {
				return steps, false
			}
			n = 3*n + 1
		}
		steps++
	}
	return steps, true
}
