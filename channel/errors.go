package channel

import "github.com/webbmaffian/go-spool/arena"

type channelError string

var _ error = channelError("")

func (err channelError) Error() string {
	return string(err)
}

const (
	ErrEmpty           = channelError("channel is empty")
	ErrFull            = channelError("channel is full")
	ErrCorrupt         = channelError("channel state is inconsistent")
	ErrIO              = channelError("overflow file i/o failed")
	ErrInvalidArgument = arena.ErrInvalidArgument
	ErrIncompatible    = arena.ErrIncompatible
)
