package arena

type arenaError string

var _ error = arenaError("")

func (err arenaError) Error() string {
	return string(err)
}

const (
	ErrInvalidArgument = arenaError("invalid argument")
	ErrIncompatible    = arenaError("incompatible region layout")
)
