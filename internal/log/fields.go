package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldAccountID     = "account_id"
	FieldProviderTxnID = "provider_txn_id"
	FieldJobID         = "job_id"
	FieldJobKind       = "job_kind"
	FieldAttempt       = "attempt"
	FieldCursor        = "cursor"
	FieldError         = "error"
	FieldSeverity      = "severity"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentScheduler = "scheduler"
	ComponentPoller    = "poller"
	ComponentReconcile = "reconcile"
	ComponentProvider  = "monobank"
	ComponentNotify    = "notify"
)
