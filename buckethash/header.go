package buckethash

import "unsafe"

// Tag marks arenas owned by a bucket hash index.
const Tag = 0x62686173

const headSize = int(unsafe.Sizeof(header{}))

type header struct {
	unitSize uint32
	rows     uint32
	units    uint64
}

func layoutSize(units, unitSize int) int {
	return headSize + (units+1)*unitSize
}

func isPrime(x uint64) bool {
	if x <= 1 {
		return false
	}

	for i := uint64(2); i*i <= x; i++ {
		if x%i == 0 {
			return false
		}
	}

	return true
}

// rowSizes returns n strictly increasing primes, the first one being the
// smallest prime >= base.
func rowSizes(base uint64, n int) []uint64 {
	primes := make([]uint64, n)
	p := base

	for i := range primes {
		for !isPrime(p) {
			p++
		}

		primes[i] = p
		p++
	}

	return primes
}
