package mmarr

import "github.com/webbmaffian/go-spool/arena"

type arrayError string

var _ error = arrayError("")

func (err arrayError) Error() string {
	return string(err)
}

const (
	ErrOutOfRange      = arrayError("position out of range")
	ErrInvalidArgument = arena.ErrInvalidArgument
	ErrIncompatible    = arena.ErrIncompatible
)
