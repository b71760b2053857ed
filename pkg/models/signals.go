package models

// Signal names exchanged between connector workers and the orchestrators.
// Payloads are flat key/value maps.
const (
	// SignalPageOneCompleted carries total_pages
	SignalPageOneCompleted = "page_one_completed"
	// SignalPageProcessed carries page_number
	SignalPageProcessed = "page_processed"
	// SignalPageFailed carries page_number and error
	SignalPageFailed = "page_failed"
	// SignalDatabaseReadCompleted carries status, total_records and total_batches
	SignalDatabaseReadCompleted = "database_read_completed"
	// SignalDatabaseWriteCompleted carries status, workflow_id and total_batches
	SignalDatabaseWriteCompleted = "database_write_completed"
	// SignalTerminate asks a connection workflow to stop
	SignalTerminate = "terminate"
)

// StatusSuccess is the status value of a successful completion signal
const StatusSuccess = "success"
