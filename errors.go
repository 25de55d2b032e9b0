package canopen

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrOdParameters    = errors.New("error in object dictionary parameters")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrInvalidState    = errors.New("driver not ready")
)
