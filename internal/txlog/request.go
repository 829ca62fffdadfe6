package txlog

import (
	"pkg.gfire.dev/metaserver/internal/mdsink"
	"pkg.gfire.dev/metaserver/internal/properties"
)

// LogAction states whether a request contributes a transaction log record.
type LogAction int

const (
	// LogNever marks requests that are never logged.
	LogNever LogAction = iota
	// LogIfOk marks requests logged only when their status is 0.
	LogIfOk
	// LogAlways marks requests logged regardless of status.
	LogAlways
)

// Op identifies a request's operation kind. The writer only distinguishes
// control messages; everything else is opaque.
type Op int

// OpWriterControl is the operation kind of writer control requests.
const OpWriterControl Op = -1

// ControlType selects the action of a control request.
type ControlType int

const (
	// ControlNop only fills in the reply fields; batching continues past it.
	ControlNop ControlType = iota
	// ControlNewLog ends the current batch and rotates the log when the
	// current segment holds records.
	ControlNewLog
	// ControlWriteBlock splices an externally framed block into the log.
	ControlWriteBlock
	// ControlSetParameters applies new configuration at runtime.
	ControlSetParameters
)

// Request is the writer's view of a metadata mutation. The embedding layer
// owns the request; the writer links it through next while it sits in the
// pending, in, pending-ack or out queue and never extends its lifetime.
type Request struct {
	next *Request

	Op        Op
	LogAction LogAction
	Status    int
	StatusMsg string
	Logseq    int64
	Seqno     int64
	Suspended bool

	commitPendingFlag bool

	// LogQueueCounter, when non-nil, is a per-subsystem in-flight counter
	// the writer increments on enqueue and decrements on commit.
	LogQueueCounter *int

	// WriteLog serializes the request as one log record terminated by a
	// newline. It reports false only on an internal serialization bug.
	WriteLog func(sink *mdsink.Sink, omitDefaults bool) bool

	// Control is set iff Op == OpWriterControl.
	Control *ControlRequest

	// Handle is invoked by the delivery path once the request is durable
	// and replicated (or failed); it stands in for submit_request.
	Handle func(*Request)
}

// ControlRequest is the payload of an OpWriterControl request.
type ControlRequest struct {
	Type ControlType

	// SetParameters fields.
	ParamsPrefix string
	Params       *properties.Properties

	// WriteBlock input fields.
	BlockStartSeq int64
	BlockEndSeq   int64
	BlockChecksum uint32
	BlockData     []byte
	BlockLines    []int

	// Reply fields populated by the writer.
	Committed  CommitState
	LastLogSeq int64
	LogName    string
	BlockSeq   int64
	// BlockCommitted is the committed sequence parsed from the block's
	// commit marker on a successful WriteBlock.
	BlockCommitted int64
}

// NewControlRequest returns a control request of the given type linked to a
// fresh carrier Request.
func NewControlRequest(t ControlType) *Request {
	c := &ControlRequest{Type: t, BlockSeq: -1, BlockCommitted: -1}
	return &Request{
		Op:        OpWriterControl,
		LogAction: LogNever,
		Logseq:    -1,
		Control:   c,
	}
}

// CommitState is the committed-prefix tuple carried in every block's commit
// marker: the highest committed log sequence, the file-id allocator seed,
// the accumulated error checksum and the last status.
type CommitState struct {
	Seq       int64
	FidSeed   int64
	ErrChkSum int64
	Status    int
}
