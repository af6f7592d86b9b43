package imageprocessor

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"sync"

	"driftguard/raster"
	"driftguard/types"
)

const (
	// DefaultHashSize is the side of the grayscale grid the DCT runs on
	DefaultHashSize = 32
	// lowFreq is the side of the coefficient block kept for the hash
	lowFreq = 8
	// coefficients this close to zero count as zero
	coefficientEpsilon = 1e-9
)

// ErrLengthMismatch is returned when two fingerprints of different length are compared
var ErrLengthMismatch = errors.New("fingerprints differ in length")

// Fingerprint is a 64 character string of '0' and '1', one per DCT coefficient
type Fingerprint string

// Valid reports whether f has the expected length and alphabet
func (f Fingerprint) Valid() bool {
	if len(f) != types.FingerprintBits {
		return false
	}
	return strings.Trim(string(f), "01") == ""
}

// Uint64 packs the bits, first character most significant
func (f Fingerprint) Uint64() (uint64, error) {
	if !f.Valid() {
		return 0, fmt.Errorf("invalid fingerprint %q", string(f))
	}
	return strconv.ParseUint(string(f), 2, 64)
}

// Hex returns the fingerprint as 16 hex digits
func (f Fingerprint) Hex() string {
	v, err := f.Uint64()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", v)
}

// Hasher computes DCT perceptual hashes on a Size x Size grid
type Hasher struct {
	Size int

	once  sync.Once
	table []float64
}

// NewHasher creates a hasher for the given normalization size
func NewHasher(size int) *Hasher {
	if size < lowFreq {
		size = DefaultHashSize
	}
	return &Hasher{Size: size}
}

var defaultHasher = NewHasher(DefaultHashSize)

// ComputePerceptualHash hashes img on the default 32x32 grid
func ComputePerceptualHash(img *raster.RasterImage) (Fingerprint, error) {
	return defaultHasher.Hash(img)
}

// Hash computes the fingerprint of img
func (h *Hasher) Hash(img *raster.RasterImage) (Fingerprint, error) {
	if img.IsEmpty() {
		return "", raster.ErrEmptyImage
	}

	n := h.size()
	small, err := img.Resize(n, n)
	if err != nil {
		return "", fmt.Errorf("failed to normalize image: %w", err)
	}

	coeffs := h.dct2D(small.Luma(), lowFreq)

	var sb strings.Builder
	sb.Grow(lowFreq * lowFreq)
	for _, c := range coeffs {
		if c > coefficientEpsilon {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return Fingerprint(sb.String()), nil
}

func (h *Hasher) size() int {
	if h.Size < lowFreq {
		return DefaultHashSize
	}
	return h.Size
}

// cosines returns table[k*n+i] = c(k) * cos(pi*(2i+1)*k / 2n) with the
// orthonormal DCT-II scale c(0) = sqrt(1/n), c(k) = sqrt(2/n)
func (h *Hasher) cosines() []float64 {
	h.once.Do(func() {
		n := h.size()
		h.table = make([]float64, n*n)
		for k := 0; k < n; k++ {
			scale := math.Sqrt(2.0 / float64(n))
			if k == 0 {
				scale = math.Sqrt(1.0 / float64(n))
			}
			for i := 0; i < n; i++ {
				h.table[k*n+i] = scale * math.Cos(math.Pi*float64(2*i+1)*float64(k)/float64(2*n))
			}
		}
	})
	return h.table
}

// dct2D runs a separable DCT-II over the n x n grid (rows, then columns) and
// returns the top-left keep x keep coefficients row-major
func (h *Hasher) dct2D(grid []float64, keep int) []float64 {
	n := h.size()
	table := h.cosines()

	// row pass: rows[y*keep+u] = sum_x grid[y][x] * table[u][x]
	rows := make([]float64, n*keep)
	for y := 0; y < n; y++ {
		line := grid[y*n : (y+1)*n]
		for u := 0; u < keep; u++ {
			basis := table[u*n : (u+1)*n]
			var sum float64
			for x := 0; x < n; x++ {
				sum += line[x] * basis[x]
			}
			rows[y*keep+u] = sum
		}
	}

	// column pass: out[v*keep+u] = sum_y rows[y][u] * table[v][y]
	out := make([]float64, keep*keep)
	for v := 0; v < keep; v++ {
		basis := table[v*n : (v+1)*n]
		for u := 0; u < keep; u++ {
			var sum float64
			for y := 0; y < n; y++ {
				sum += rows[y*keep+u] * basis[y]
			}
			out[v*keep+u] = sum
		}
	}
	return out
}

// HammingDistance counts differing bits between two fingerprints of equal length
func HammingDistance(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(a), len(b))
	}
	if len(a) == types.FingerprintBits {
		va, errA := a.Uint64()
		vb, errB := b.Uint64()
		if errA == nil && errB == nil {
			return bits.OnesCount64(va ^ vb), nil
		}
	}

	distance := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			distance++
		}
	}
	return distance, nil
}
