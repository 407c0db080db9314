package common

// ErrVal represents a container for a value of type V and an associated error.
// It travels through one-shot result channels between pipeline stages.
type ErrVal[V any] struct {
	Err error // The error that occurred during value processing, if any
	Val V     // The value being wrapped
}

func NewErrValE[V any](err error) ErrVal[V] {
	return ErrVal[V]{
		Err: err,
	}
}

func NewErrValV[V any](val V) ErrVal[V] {
	return ErrVal[V]{
		Val: val,
	}
}

// NewSlot makes a one-shot result cell: exactly one send never blocks.
func NewSlot[V any]() chan ErrVal[V] {
	return make(chan ErrVal[V], 1)
}
