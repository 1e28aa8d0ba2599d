package shard

import (
	"errors"

	"github.com/shard-db/shard/errs"
)

// wrap attaches op to err for context, preserving an existing *errs.Error's
// Kind untouched (so errors.Is(err, errs.ErrUsage) still works through the
// facade) and only classifying genuinely new errors as IoFailure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Wrap(op, err)
}
