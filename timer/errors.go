package timer

import "github.com/webbmaffian/go-spool/arena"

type timerError string

var _ error = timerError("")

func (err timerError) Error() string {
	return string(err)
}

const (
	ErrNotFound        = timerError("timer not found")
	ErrFull            = timerError("too many live timers")
	ErrInvalidArgument = arena.ErrInvalidArgument
)
