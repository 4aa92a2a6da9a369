package flow

import (
	"encoding/json"
	"fmt"
)

// Compiler: parses a declarative procedure document into the typed IR
// and validates graph integrity. Compilation failures carry
// KindValidation so the API boundary can surface them as 4xx.

// procedureDoc mirrors the stored JSON shape of a procedure version.
type procedureDoc struct {
	ProcedureID string                  `json:"procedure_id"`
	Version     int                     `json:"version"`
	Global      GlobalConfig            `json:"global_config"`
	Variables   map[string]VariableSpec `json:"variables"`
	StartNodeID string                  `json:"start_node"`
	Nodes       []nodeDoc               `json:"nodes"`
}

type nodeDoc struct {
	NodeID        string          `json:"node_id"`
	Type          NodeType        `json:"type"`
	Agent         string          `json:"agent"`
	IsCheckpoint  bool            `json:"is_checkpoint"`
	NextNodeID    string          `json:"next_node_id"`
	Payload       json.RawMessage `json:"payload"`
	ErrorHandlers []ErrorHandler  `json:"error_handlers"`
}

// Compile parses raw procedure JSON, validates it, and binds internal
// steps. The returned Procedure is safe for concurrent use.
func Compile(raw []byte) (*Procedure, error) {
	var doc procedureDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Errorf(KindValidation, "malformed procedure document: %v", err)
	}

	if doc.StartNodeID == "" {
		return nil, Errorf(KindValidation, "procedure %s has no start_node", doc.ProcedureID)
	}
	if len(doc.Nodes) == 0 {
		return nil, Errorf(KindValidation, "procedure %s has no nodes", doc.ProcedureID)
	}

	p := &Procedure{
		ProcedureID: doc.ProcedureID,
		Version:     doc.Version,
		Global:      doc.Global,
		Variables:   doc.Variables,
		StartNodeID: doc.StartNodeID,
		Nodes:       make(map[string]*Node, len(doc.Nodes)),
	}

	for _, nd := range doc.Nodes {
		if nd.NodeID == "" {
			return nil, Errorf(KindValidation, "procedure %s contains a node without node_id", doc.ProcedureID)
		}
		if _, dup := p.Nodes[nd.NodeID]; dup {
			return nil, Errorf(KindValidation, "duplicate node id %q", nd.NodeID)
		}
		node, err := compileNode(nd)
		if err != nil {
			return nil, err
		}
		p.Nodes[nd.NodeID] = node
	}

	if err := p.validateRefs(); err != nil {
		return nil, err
	}

	bindInternalSteps(p)
	return p, nil
}

func compileNode(nd nodeDoc) (*Node, error) {
	node := &Node{
		NodeID:        nd.NodeID,
		Type:          nd.Type,
		Agent:         nd.Agent,
		IsCheckpoint:  nd.IsCheckpoint,
		NextNodeID:    nd.NextNodeID,
		ErrorHandlers: nd.ErrorHandlers,
	}

	decode := func(v any) error {
		if len(nd.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(nd.Payload, v); err != nil {
			return Errorf(KindValidation, "node %q: malformed %s payload: %v", nd.NodeID, nd.Type, err)
		}
		return nil
	}

	switch nd.Type {
	case NodeSequence, NodeProcessing, NodeVerification, NodeLLMAction, NodeTransform:
		// Processing, verification, llm_action, and transform nodes are
		// sequences with a semantic tag; they share the payload shape
		// and executor.
		node.Sequence = &SequencePayload{}
		if err := decode(node.Sequence); err != nil {
			return nil, err
		}
	case NodeLogic:
		node.Logic = &LogicPayload{}
		if err := decode(node.Logic); err != nil {
			return nil, err
		}
		for i, r := range node.Logic.Rules {
			if r.Condition == "" || r.Next == "" {
				return nil, Errorf(KindValidation, "node %q: logic rule %d is malformed", nd.NodeID, i)
			}
		}
	case NodeLoop:
		node.Loop = &LoopPayload{}
		if err := decode(node.Loop); err != nil {
			return nil, err
		}
		if node.Loop.BodyNodeID == "" {
			return nil, Errorf(KindValidation, "node %q: loop has no body", nd.NodeID)
		}
		if node.Loop.IteratorVariable == "" {
			return nil, Errorf(KindValidation, "node %q: loop has no iterator_variable", nd.NodeID)
		}
	case NodeParallel:
		node.Parallel = &ParallelPayload{}
		if err := decode(node.Parallel); err != nil {
			return nil, err
		}
		if len(node.Parallel.BranchNodeIDs) == 0 {
			return nil, Errorf(KindValidation, "node %q: parallel has no branches", nd.NodeID)
		}
		if node.Parallel.WaitStrategy == "" {
			node.Parallel.WaitStrategy = WaitAll
		}
	case NodeApproval:
		node.Approval = &ApprovalPayload{}
		if err := decode(node.Approval); err != nil {
			return nil, err
		}
	case NodeSubflow:
		node.Subflow = &SubflowPayload{}
		if err := decode(node.Subflow); err != nil {
			return nil, err
		}
		if node.Subflow.ProcedureID == "" {
			return nil, Errorf(KindValidation, "node %q: subflow references no procedure", nd.NodeID)
		}
	case NodeTerminate:
		node.Terminate = &TerminatePayload{Status: "completed"}
		if err := decode(node.Terminate); err != nil {
			return nil, err
		}
	default:
		return nil, Errorf(KindValidation, "node %q: unknown node type %q", nd.NodeID, nd.Type)
	}

	return node, nil
}

// validateRefs checks that every successor reference names an existing
// node. Empty references are legal (they terminate the run).
func (p *Procedure) validateRefs() error {
	if _, ok := p.Nodes[p.StartNodeID]; !ok {
		return Errorf(KindValidation, "start_node %q does not exist", p.StartNodeID)
	}

	check := func(from, ref, what string) error {
		if ref == "" {
			return nil
		}
		if _, ok := p.Nodes[ref]; !ok {
			return Errorf(KindValidation, "node %q: %s references missing node %q", from, what, ref)
		}
		return nil
	}

	for id, n := range p.Nodes {
		if err := check(id, n.NextNodeID, "next_node_id"); err != nil {
			return err
		}
		switch {
		case n.Logic != nil:
			for _, r := range n.Logic.Rules {
				if err := check(id, r.Next, "logic rule"); err != nil {
					return err
				}
			}
			if err := check(id, n.Logic.DefaultNext, "default_next"); err != nil {
				return err
			}
		case n.Loop != nil:
			if err := check(id, n.Loop.BodyNodeID, "body_node_id"); err != nil {
				return err
			}
		case n.Parallel != nil:
			for _, b := range n.Parallel.BranchNodeIDs {
				if err := check(id, b, "parallel branch"); err != nil {
					return err
				}
			}
		case n.Approval != nil:
			for _, ref := range []string{n.Approval.OnApprove, n.Approval.OnReject, n.Approval.OnTimeout} {
				if err := check(id, ref, "approval route"); err != nil {
					return err
				}
			}
		}
		for _, h := range n.ErrorHandlers {
			if err := check(id, h.FallbackNode, "fallback_node"); err != nil {
				return err
			}
		}
	}
	return nil
}

// bindInternalSteps walks all sequence payloads and tags steps whose
// action is on the internal whitelist. Every other step stays unbound;
// runtime resolution lets agents register without recompiling.
func bindInternalSteps(p *Procedure) {
	for _, n := range p.Nodes {
		if n.Sequence == nil {
			continue
		}
		for i := range n.Sequence.Steps {
			step := &n.Sequence.Steps[i]
			if step.StepID == "" {
				step.StepID = fmt.Sprintf("%s.%d", n.NodeID, i)
			}
			if step.Binding == nil && IsInternalAction(step.Action) {
				step.Binding = &ExecutorBinding{Type: BindInternal}
			}
		}
	}
}
