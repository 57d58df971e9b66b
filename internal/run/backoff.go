package run

import (
	"math"
	"time"

	"github.com/daniel/storyweaver/internal/template"
)

// retryDelay returns the bounded exponential delay before retry attempt n
// (1-indexed: attempt 1 is the first retry after the initial failure).
func retryDelay(p template.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialBackoff()) * math.Pow(2, float64(attempt-1)))
	if maxD := p.MaxBackoff(); maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
