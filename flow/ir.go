package flow

// Intermediate representation of a compiled procedure.
//
// A procedure document (JSON) is compiled once per run into this typed
// form. The IR is immutable after compilation; executors read it but
// never mutate it. All mutation happens on the RunState.

// NodeType enumerates the eleven node kinds the runner knows how to
// execute.
type NodeType string

const (
	NodeSequence     NodeType = "sequence"
	NodeLogic        NodeType = "logic"
	NodeLoop         NodeType = "loop"
	NodeParallel     NodeType = "parallel"
	NodeProcessing   NodeType = "processing"
	NodeVerification NodeType = "verification"
	NodeLLMAction    NodeType = "llm_action"
	NodeApproval     NodeType = "human_approval"
	NodeTransform    NodeType = "transform"
	NodeSubflow      NodeType = "subflow"
	NodeTerminate    NodeType = "terminate"
)

// BindingType identifies which executor a step resolves to.
type BindingType string

const (
	// BindInternal runs the step in-process. Only actions on the
	// internal whitelist compile to this binding.
	BindInternal BindingType = "internal"

	// BindAgentHTTP dispatches the step to a registered agent's
	// /execute endpoint.
	BindAgentHTTP BindingType = "agent_http"

	// BindTool dispatches the step to the configured fallback tool
	// server.
	BindTool BindingType = "tool"
)

// ExecutorBinding is the resolved target of a step. Internal bindings
// are assigned at compile time; agent and tool bindings carry the base
// URL chosen at runtime.
type ExecutorBinding struct {
	Type    BindingType `json:"type"`
	BaseURL string      `json:"base_url,omitempty"`
	AgentID string      `json:"agent_id,omitempty"`
}

// Procedure is the compiled form of one procedure version.
type Procedure struct {
	ProcedureID string
	Version     int
	Global      GlobalConfig
	Variables   map[string]VariableSpec
	StartNodeID string
	Nodes       map[string]*Node
}

// GlobalConfig carries procedure-wide execution defaults.
type GlobalConfig struct {
	// RatePerMinute bounds dispatches for this procedure. Zero means
	// unlimited.
	RatePerMinute int `json:"rate_per_minute"`

	// Retry supplies defaults for steps without a per-step override.
	Retry RetryConfig `json:"retry"`

	// OnFailureNodeID names the node the runner re-enters (under a
	// distinct thread) after the run fails, for cleanup side-effects.
	OnFailureNodeID string `json:"on_failure"`
}

// VariableSpec describes one declared procedure variable.
type VariableSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// RetryConfig is the declarative retry configuration attached to steps
// or to the procedure globals. It compiles into a RetryPolicy.
type RetryConfig struct {
	MaxRetries  int `json:"max_retries"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
}

// Node is one vertex of the compiled graph.
type Node struct {
	NodeID       string
	Type         NodeType
	Agent        string // channel tag (web/desktop/email/...), empty = internal
	IsCheckpoint bool
	NextNodeID   string

	// Exactly one payload is populated, matching Type.
	Sequence  *SequencePayload
	Logic     *LogicPayload
	Loop      *LoopPayload
	Parallel  *ParallelPayload
	Approval  *ApprovalPayload
	Subflow   *SubflowPayload
	Terminate *TerminatePayload

	// ErrorHandlers are consulted when a step exhausts its retries,
	// keyed by error kind.
	ErrorHandlers []ErrorHandler
}

// Step is one action inside a sequence payload.
type Step struct {
	StepID         string         `json:"step_id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	TimeoutMS      int            `json:"timeout_ms"`
	WaitMS         int            `json:"wait_ms"`
	WaitAfterMS    int            `json:"wait_after_ms"`
	RetryOnFailure bool           `json:"retry_on_failure"`
	Retry          *RetryConfig   `json:"retry,omitempty"`
	OutputVariable string         `json:"output_variable"`
	IdempotencyKey string         `json:"idempotency_key"`

	// DispatchMode is "sync" (default, block inline) or "async" (emit
	// workflow_delegated and suspend; an external callback resumes).
	DispatchMode string `json:"workflow_dispatch_mode,omitempty"`

	// Binding is assigned at compile time for internal actions and
	// left nil otherwise; runtime resolution fills the gap so agents
	// can register without recompiling procedures.
	Binding *ExecutorBinding `json:"executor_binding,omitempty"`
}

// SequencePayload is an ordered list of steps.
type SequencePayload struct {
	Steps []Step `json:"steps"`
}

// LogicRule is one conditional route. First match wins.
type LogicRule struct {
	Condition string `json:"condition"`
	Next      string `json:"next"`
}

// LogicPayload routes on the first matching rule, falling back to
// DefaultNext. Unmatched with no default terminates the run.
type LogicPayload struct {
	Rules       []LogicRule `json:"rules"`
	DefaultNext string      `json:"default_next"`
}

// LoopPayload iterates BodyNodeID over the sequence held in
// IteratorVariable.
type LoopPayload struct {
	IteratorVariable string `json:"iterator_variable"`
	ItemVariable     string `json:"item_variable"`
	IndexVariable    string `json:"index_variable"`
	BodyNodeID       string `json:"body_node_id"`
	MaxIterations    int    `json:"max_iterations"`
	ContinueOnError  bool   `json:"continue_on_error"`
}

// WaitStrategy controls how a parallel node joins its branches.
type WaitStrategy string

const (
	WaitAll WaitStrategy = "all"
	WaitAny WaitStrategy = "any"
	WaitN   WaitStrategy = "n"
)

// ParallelPayload launches each branch as a concurrent sub-runner over
// a copy of the state.
type ParallelPayload struct {
	BranchNodeIDs []string     `json:"branch_node_ids"`
	WaitStrategy  WaitStrategy `json:"wait_strategy"`
	WaitCount     int          `json:"wait_count"`

	// BranchFailure is "continue" (record per-branch errors) or
	// "fail_fast" (abort remaining branches on first failure).
	BranchFailure string `json:"branch_failure"`
}

// ApprovalPayload suspends the run until a human decision arrives.
type ApprovalPayload struct {
	Prompt       string `json:"prompt"`
	DecisionType string `json:"decision_type"`
	OnApprove    string `json:"on_approve"`
	OnReject     string `json:"on_reject"`
	OnTimeout    string `json:"on_timeout"`
	TimeoutMS    int    `json:"timeout_ms"`
}

// SubflowPayload creates a child run of another procedure and maps
// variables across the boundary.
type SubflowPayload struct {
	ProcedureID string            `json:"procedure_id"`
	Version     int               `json:"version"` // 0 = latest
	InputMap    map[string]string `json:"input_map"`
	OutputMap   map[string]string `json:"output_map"`

	// OnFailure is "fail" (child failure fails the parent, default) or
	// "continue".
	OnFailure string `json:"on_failure"`
}

// TerminatePayload ends the run with an explicit terminal status.
type TerminatePayload struct {
	Status string `json:"status"` // completed | failed
	Reason string `json:"reason"`
}

// HandlerAction enumerates what an error handler does after its
// recovery steps ran.
type HandlerAction string

const (
	HandlerRetry    HandlerAction = "retry"
	HandlerFail     HandlerAction = "fail"
	HandlerIgnore   HandlerAction = "ignore"
	HandlerFallback HandlerAction = "fallback_node"
	HandlerEscalate HandlerAction = "escalate"
)

// ErrorHandler recovers from a step failure of a matching kind.
type ErrorHandler struct {
	Kind          Kind          `json:"error_kind"`
	RecoverySteps []Step        `json:"recovery_steps"`
	Action        HandlerAction `json:"action"`
	FallbackNode  string        `json:"fallback_node"`
}

// internalActions is the compile-time whitelist. Steps whose action is
// listed here are tagged BindInternal by the binder; everything else
// resolves at runtime against the agent registry.
var internalActions = map[string]bool{
	"log":          true,
	"wait":         true,
	"set_variable": true,
	"noop":         true,
}

// IsInternalAction reports whether action runs in-process.
func IsInternalAction(action string) bool { return internalActions[action] }
