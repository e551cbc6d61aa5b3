package protocol

// ProtocolVersion is bumped whenever the WebSocket frame schema changes
// incompatibly.
const ProtocolVersion = 1

// Client → server message types.
const (
	TypeUserMessage      = "user_message"
	TypeFollowupResponse = "followup_response"
	TypeAgentPause       = "agent_pause"
	TypeAgentStop        = "agent_stop"
)

// Server → client message types: task node lifecycle.
const (
	TypeTaskNodeStart    = "task_node_start"
	TypeTaskNodeProgress = "task_node_progress"
	TypeTaskNodeComplete = "task_node_complete"
)

// Server → client message types: LLM streaming.
const (
	TypeStreamReasoning = "stream_reasoning"
	TypeStreamContent   = "stream_content"
	TypeStreamToolCall  = "stream_tool_call"
	TypeStreamUsage     = "stream_usage"
	TypeStreamComplete  = "stream_complete"
)

// Server → client message types: tool execution.
const (
	TypeToolCallStart    = "tool_call_start"
	TypeToolCallProgress = "tool_call_progress"
	TypeToolCallResult   = "tool_call_result"
	TypeFollowupQuestion = "followup_question"
)

// Server → client message types: LLM API call bracketing.
const (
	TypeLLMAPIRequest  = "llm_api_request"
	TypeLLMAPIComplete = "llm_api_complete"
)

// Server → client message types: agent lifecycle.
const (
	TypeAgentComplete = "agent_complete"
	TypeAgentStopped  = "agent_stopped"
	TypeError         = "error"
)

// Server → client message types: optional PDCA meta-workflow.
const (
	TypePDCACycleStart    = "pdca_cycle_start"
	TypePDCAStatusUpdate  = "pdca_status_update"
	TypePDCAPhaseAdvance  = "pdca_phase_advance"
	TypePDCACycleComplete = "pdca_cycle_complete"
)

// Error codes carried in the `code` field of error frames.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeRateLimit         = "RATE_LIMIT"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConnection        = "CONNECTION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeToolNotFound      = "TOOL_NOT_FOUND"
	ErrCodeDuplicateToolCall = "DUPLICATE_TOOL_CALL"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
