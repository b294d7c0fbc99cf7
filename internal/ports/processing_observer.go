package ports

// ProcessingObserver defines the interface for observing processing results.
// Used to track every processed record, not just threats.
type ProcessingObserver interface {
	// IncrementRecordsProcessedByResult records the outcome of one record.
	//
	// Parameters:
	//   - result: "info", "warning", "threat", "store_error" or "panic"
	//
	// Thread Safety: Implementations MUST be safe for concurrent calls.
	IncrementRecordsProcessedByResult(result string)
}
