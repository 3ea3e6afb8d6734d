package session

import (
	"context"
	"errors"

	"github.com/jaywantadh/tusbyte/internal/fingerprint"
	"github.com/jaywantadh/tusbyte/internal/transfer"
)

// Choice is the answer to "resume the previous upload?".
type Choice int

const (
	Resume Choice = iota
	Restart
)

func (c Choice) String() string {
	if c == Resume {
		return "resume"
	}
	return "restart"
}

// Candidate is a previous, still unfinished upload of the selected file.
type Candidate struct {
	Record fingerprint.Record
	Offset uint64
	Size   uint64
}

// Decider chooses between resuming a candidate and starting over.
type Decider interface {
	Decide(ctx context.Context, c Candidate) (Choice, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, c Candidate) (Choice, error)

func (f DeciderFunc) Decide(ctx context.Context, c Candidate) (Choice, error) {
	return f(ctx, c)
}

var (
	AlwaysResume  Decider = DeciderFunc(func(context.Context, Candidate) (Choice, error) { return Resume, nil })
	AlwaysRestart Decider = DeciderFunc(func(context.Context, Candidate) (Choice, error) { return Restart, nil })
)

// RetryPolicy decides whether a failed upload is started again. attempt
// counts failures so far, starting at 1.
type RetryPolicy interface {
	Retry(ctx context.Context, err error, attempt int) bool
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(ctx context.Context, err error, attempt int) bool

func (f RetryPolicyFunc) Retry(ctx context.Context, err error, attempt int) bool {
	return f(ctx, err, attempt)
}

// NeverRetry abandons on the first failure.
var NeverRetry RetryPolicy = RetryPolicyFunc(func(context.Context, error, int) bool { return false })

// MaxRetries retries network failures and lost sessions up to n times.
// Rejections such as an oversized file or a protocol violation are never
// retried.
func MaxRetries(n int) RetryPolicy {
	return RetryPolicyFunc(func(ctx context.Context, err error, attempt int) bool {
		if ctx.Err() != nil || attempt > n {
			return false
		}
		return errors.Is(err, transfer.ErrNetwork) ||
			errors.Is(err, transfer.ErrUnknownSession) ||
			errors.Is(err, transfer.ErrChecksumMismatch)
	})
}
