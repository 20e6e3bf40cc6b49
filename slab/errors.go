package slab

type slabError string

var _ error = slabError("")

func (err slabError) Error() string {
	return string(err)
}

const (
	ErrInvalidArgument = slabError("invalid argument")
	ErrSizeMismatch    = slabError("block freed with a different size")
)
