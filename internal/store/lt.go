package store

import "fmt"

// ltWidth is wide enough to hold any uint64 in decimal (max 20 digits).
const ltWidth = 20

// EncodeLT renders a logical-time value as a zero-padded decimal string so
// that lexicographic ordering over the stored text matches numeric
// ordering, per spec.md §9 ("Monotonic sequence number").
func EncodeLT(lt uint64) string {
	return fmt.Sprintf("%0*d", ltWidth, lt)
}

// DecodeLT parses a value produced by EncodeLT back into a uint64.
func DecodeLT(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, fmt.Errorf("invalid lt %q: %w", s, err)
	}
	return v, nil
}
