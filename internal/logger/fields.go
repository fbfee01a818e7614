package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSessionKey is the exchange protocol session id (sessid)
	FieldSessionKey = "session_key"

	// FieldMode is the exchange protocol mode (checkauth, init, file, ...)
	FieldMode = "exchange_mode"

	// FieldFilename is the uploaded file name
	FieldFilename = "filename"

	// FieldImportSessionID is the persisted import session row ID
	FieldImportSessionID = "import_session_id"

	// FieldJobID is the task queue job ID
	FieldJobID = "job_id"

	// FieldOrderID is the order primary key
	FieldOrderID = "order_id"

	// FieldUserID is the authenticated exchange user
	FieldUserID = "user_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation outcome (success, failure, import status)
	FieldStatus = "status"

	// FieldHTTPStatus is the response status code
	FieldHTTPStatus = "http_status"

	// FieldImportType is the inferred import type of an uploaded file
	FieldImportType = "import_type"
)
