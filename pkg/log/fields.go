package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService = "service"

	// Room session
	FieldRoomID    = "room_id"
	FieldRoomName  = "room_name"
	FieldState     = "state"
	FieldPrevState = "prev_state"
	FieldAttempt   = "attempt"
	FieldBackoff   = "backoff_ms"
	FieldConnID    = "conn_id"
	FieldFrameType = "frame_type"
	FieldDialect   = "dialect"
)
