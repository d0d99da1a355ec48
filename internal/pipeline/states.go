package pipeline

// ChunkState tracks one chunk through the processing state machine.
type ChunkState int

const (
	ChunkPlanned ChunkState = iota
	ChunkFetching
	ChunkFetchFailed // terminal: skip-and-log
	ChunkFetched
	ChunkDetecting
	ChunkDetectFailed // terminal: segment processed with zero events
	ChunkDetected
	ChunkDeduping
	ChunkStored
	ChunkCleaned // terminal: success
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPlanned:
		return "PLANNED"
	case ChunkFetching:
		return "FETCHING"
	case ChunkFetchFailed:
		return "FETCH_FAILED"
	case ChunkFetched:
		return "FETCHED"
	case ChunkDetecting:
		return "DETECTING"
	case ChunkDetectFailed:
		return "DETECT_FAILED"
	case ChunkDetected:
		return "DETECTED"
	case ChunkDeduping:
		return "DEDUPING"
	case ChunkStored:
		return "STORED"
	case ChunkCleaned:
		return "CLEANED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the chunk has finished, successfully or not.
func (s ChunkState) Terminal() bool {
	return s == ChunkFetchFailed || s == ChunkDetectFailed || s == ChunkCleaned
}
