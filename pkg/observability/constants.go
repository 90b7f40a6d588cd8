package observability

const (
	AttrServiceName       = "service.name"
	AttrServiceVersion    = "service.version"
	AttrAgentName         = "agent.name"
	AttrAgentLLM          = "agent.llm"
	AttrToolName          = "tool.name"
	AttrLLMModel          = "llm.model"
	AttrLLMTokensInput    = "llm.tokens.input"
	AttrLLMTokensOutput   = "llm.tokens.output"
	AttrErrorType         = "error.type"
	AttrStatusCode        = "http.status_code"
	AttrConversationID    = "conversation.id"
	AttrTurnNumber        = "turn.number"
	AttrMaxTurns          = "turn.max"
	AttrBackendName       = "backend.name"
	AttrRetrievalStrategy = "retrieval.strategy"
	AttrRetrievalTopK     = "retrieval.top_k"
	AttrHTTPMethod        = "http.method"
	AttrHTTPPath          = "http.path"
	AttrHTTPStatusCode    = "http.status_code"
	AttrHTTPResponseSize  = "http.response_size"

	SpanAgentCall     = "agent.call"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanMemoryLookup  = "agent.memory_lookup"
	SpanTurn          = "turnengine.turn"
	SpanBackendCall   = "llm.backend_call"
	SpanRetrieval     = "rag.retrieval"
	SpanHTTPRequest   = "http.request"

	DefaultServiceName  = "orchestrator"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
