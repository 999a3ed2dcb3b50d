package lrs

import (
	"errors"
	"time"

	"github.com/coldstor/caskd/pkg/protocol"
)

// RetryAction classifies an operation outcome for the retry loop.
type RetryAction int

const (
	RetrySuccess RetryAction = iota
	RetryFatal
	RetryShort
	RetryLong
)

// Classifier maps an operation error to a retry action.
type Classifier func(error) RetryAction

// RetryPolicy bounds the generic retry loop.
type RetryPolicy struct {
	Count int
	Short time.Duration
	Long  time.Duration
}

// DefaultRetryPolicy mirrors the stock SCSI settings.
var DefaultRetryPolicy = RetryPolicy{Count: 5, Short: time.Second, Long: 5 * time.Second}

// WithRetry runs op until it succeeds, fails fatally, or exhausts
// policy.Count retries after the first attempt. Short and long retries
// sleep between attempts.
func WithRetry(op func() error, classify Classifier, policy RetryPolicy) error {
	var err error
	for attempt := 0; attempt <= policy.Count; attempt++ {
		err = op()
		switch classify(err) {
		case RetrySuccess:
			return nil
		case RetryFatal:
			return err
		case RetryShort:
			time.Sleep(policy.Short)
		case RetryLong:
			time.Sleep(policy.Long)
		}
	}
	return err
}

// ClassifyTransient is the standard classifier: transient library and
// transport errors retry with a short delay, I/O errors with a long one,
// anything else is fatal.
func ClassifyTransient(err error) RetryAction {
	if err == nil {
		return RetrySuccess
	}
	var rc protocol.Errno
	if !errors.As(err, &rc) {
		rc = protocol.FromError(err)
	}
	switch rc {
	case protocol.EBUSY, protocol.EAGAIN, protocol.ETIMEDOUT, protocol.EINTR:
		return RetryShort
	case protocol.EIO:
		return RetryLong
	default:
		return RetryFatal
	}
}
