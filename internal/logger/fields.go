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

	// FieldJobID is the sync job ID
	FieldJobID = "job_id"

	// FieldItemID is the aggregator item (bank connection) ID
	FieldItemID = "item_id"

	// FieldOrgID is the organization that owns the item or match
	FieldOrgID = "org_id"

	// FieldWebhookID is the stored webhook event ID
	FieldWebhookID = "webhook_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldWorkerID identifies a scheduler worker goroutine
	FieldWorkerID = "worker_id"
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

	// FieldStatus is the operation status
	FieldStatus = "status"
)
