package messaging

import "errors"

type rejectError struct {
	err error
}

// Reject marks err as unrecoverable. The consumer negatively acknowledges
// the message without requeue instead of retrying it.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

func (e *rejectError) Error() string {
	return e.err.Error()
}

func (e *rejectError) Unwrap() error {
	return e.err
}

func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}
