// ABOUTME: Helpers for the lazy record sequences returned by Service
// ABOUTME: Collect turns an iter.Seq2 of records into a slice

package conversation

import "iter"

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
