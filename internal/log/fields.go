package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldKioskID       = "kiosk_id"
	FieldLockerID      = "locker_id"
	FieldCommandID     = "command_id"
	FieldOwnerKey      = "owner_key"
	FieldStaffUser     = "staff_user"

	// Process / component fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Hardware fields
	FieldCardAddress = "card_address"
	FieldChannel     = "channel"
	FieldFunction    = "function_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Queue / command fields
	FieldRetryCount  = "retry_count"
	FieldLastError   = "last_error"
	FieldDurationMs  = "duration_ms"
	FieldReason      = "reason"
)
