package buckethash

import "github.com/webbmaffian/go-spool/arena"

type indexError string

var _ error = indexError("")

func (err indexError) Error() string {
	return string(err)
}

const (
	ErrNotFound        = indexError("unit not found")
	ErrFull            = indexError("no free or evictable slot")
	ErrInvalidArgument = arena.ErrInvalidArgument
	ErrIncompatible    = arena.ErrIncompatible
)
