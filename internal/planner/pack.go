package planner

// packThreshold is the uncompressed size below which a stream is considered
// small enough to benefit from being grouped into a packed resource rather
// than paying its own chunk-table overhead.
const packThreshold = 4096

// planPacking splits candidates into groups to write as packed resources
// and a remainder to write as ordinary standalone resources. Streams are
// grouped in the order given (codec-dependent reordering for a better ratio
// is a quality-of-compression concern the planner leaves to a future pass;
// grouping by arrival order keeps behavior deterministic and is always
// correct).
func planPacking(candidates []PendingStream) (packed [][]PendingStream, standalone []PendingStream) {
	var current []PendingStream
	var currentSize int
	flush := func() {
		if len(current) > 1 {
			packed = append(packed, current)
		} else if len(current) == 1 {
			standalone = append(standalone, current[0])
		}
		current, currentSize = nil, 0
	}
	for _, ps := range candidates {
		size := len(ps.Data)
		if size >= packThreshold {
			standalone = append(standalone, ps)
			continue
		}
		if currentSize+size > packThreshold && len(current) > 0 {
			flush()
		}
		current = append(current, ps)
		currentSize += size
	}
	flush()
	return packed, standalone
}
