package change

import "errors"

var (
	ErrNilTx          = errors.New("change: nil transaction")
	ErrInvalidCommand = errors.New("change: invalid command")
	ErrNoTable        = errors.New("change: record has no table")
)
