package protocol

import "time"

// FrameType discriminates the streaming frame union. Frames travel as
// newline-delimited JSON over the daemon socket; raw terminal bytes are
// carried base64-encoded inside output and input frames.
type FrameType string

// Server-to-client frame types.
const (
	FrameOutput        FrameType = "output"
	FrameSessionStatus FrameType = "session_status"
	FrameFileChanged   FrameType = "file_changed"
	FramePortDetected  FrameType = "port_detected"
	FramePortClosed    FrameType = "port_closed"
	FrameNeedsInput    FrameType = "needs_input"
	FrameArtifact      FrameType = "artifact"
	FrameError         FrameType = "error"
	FrameBoardCommand  FrameType = "board_command"
	FrameResult        FrameType = "result"
	FramePong          FrameType = "pong"
)

// Client-to-server frame types.
const (
	FrameAttach      FrameType = "attach"
	FrameInput       FrameType = "input"
	FrameResize      FrameType = "resize"
	FrameAutoApprove FrameType = "auto_approve"
	FrameRequest     FrameType = "request"
	FramePing        FrameType = "ping"
)

// Frame is the closed tagged union exchanged on a client connection.
// Exactly one payload pointer is set, matching Type.
type Frame struct {
	Type FrameType `json:"type"`

	Output        *OutputPayload        `json:"output,omitempty"`
	SessionStatus *SessionStatusPayload `json:"session_status,omitempty"`
	FileChanged   *FileChangedPayload   `json:"file_changed,omitempty"`
	Port          *PortPayload          `json:"port,omitempty"`
	NeedsInput    *NeedsInputPayload    `json:"needs_input,omitempty"`
	Artifact      *ArtifactPayload      `json:"artifact,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
	BoardCommand  *BoardCommandPayload  `json:"board_command,omitempty"`
	Result        *ResultPayload        `json:"result,omitempty"`

	Attach      *AttachPayload      `json:"attach,omitempty"`
	Input       *InputPayload       `json:"input,omitempty"`
	Resize      *ResizePayload      `json:"resize,omitempty"`
	AutoApprove *AutoApprovePayload `json:"auto_approve,omitempty"`
	Request     *RequestPayload     `json:"request,omitempty"`
}

// SessionID returns the session the frame concerns, or the empty string
// for frames without session scope.
func (f Frame) SessionID() string {
	switch {
	case f.Output != nil:
		return f.Output.SessionID
	case f.SessionStatus != nil:
		return f.SessionStatus.SessionID
	case f.FileChanged != nil:
		return f.FileChanged.SessionID
	case f.Port != nil:
		return f.Port.SessionID
	case f.NeedsInput != nil:
		return f.NeedsInput.SessionID
	case f.Artifact != nil:
		return f.Artifact.SessionID
	case f.Error != nil:
		return f.Error.SessionID
	case f.BoardCommand != nil:
		return f.BoardCommand.SessionID
	case f.Attach != nil:
		return f.Attach.SessionID
	case f.Input != nil:
		return f.Input.SessionID
	case f.Resize != nil:
		return f.Resize.SessionID
	case f.AutoApprove != nil:
		return f.AutoApprove.SessionID
	case f.Request != nil:
		return f.Request.SessionID
	default:
		return ""
	}
}

// OutputPayload carries raw terminal bytes, base64-encoded by
// encoding/json's []byte handling. Replayed scrollback and live output use
// the same shape; Replay marks bytes the client may already have seen.
type OutputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
	Replay    bool   `json:"replay,omitempty"`
}

// SessionStatusPayload reports a lifecycle transition.
type SessionStatusPayload struct {
	SessionID         string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	WorkerID          string        `json:"worker_id,omitempty"`
	ProcessHandle     string        `json:"process_handle,omitempty"`
	UpstreamSessionID string        `json:"upstream_session_id,omitempty"`
	ExitCode          *int          `json:"exit_code,omitempty"`
}

// FileChangedPayload reports debounced filesystem changes under the
// session's working directory.
type FileChangedPayload struct {
	SessionID string    `json:"session_id"`
	Paths     []string  `json:"paths"`
	At        time.Time `json:"at"`
}

// PortPayload reports a TCP port the agent process started or stopped
// listening on, for preview proxying.
type PortPayload struct {
	SessionID string `json:"session_id"`
	Port      int    `json:"port"`
}

// NeedsInputPayload reports idle or prompt-pattern detection.
type NeedsInputPayload struct {
	SessionID string        `json:"session_id"`
	Idle      time.Duration `json:"idle,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
}

// ArtifactPayload reports an output file the session produced.
type ArtifactPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ErrorPayload reports a session-scoped error. Recoverable errors leave the
// session running; terminal ones accompany a failed status frame.
type ErrorPayload struct {
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// BoardVerb enumerates the out-of-band control requests an agent process
// can emit on its side channel. Matched exhaustively; unknown verbs are
// dropped at parse time, never forwarded.
type BoardVerb string

// Board command verbs.
const (
	BoardOpenFile BoardVerb = "open_file"
	BoardOpenURL  BoardVerb = "open_url"
	BoardNotify   BoardVerb = "notify"
)

// Valid reports whether v is a known board verb.
func (v BoardVerb) Valid() bool {
	switch v {
	case BoardOpenFile, BoardOpenURL, BoardNotify:
		return true
	default:
		return false
	}
}

// BoardCommandPayload forwards an agent side-channel request to clients.
type BoardCommandPayload struct {
	SessionID string    `json:"session_id"`
	Verb      BoardVerb `json:"verb"`
	Target    string    `json:"target,omitempty"`
}

// AttachPayload subscribes a connection to a session's terminal stream.
// Cols and Rows describe the client viewport; the hub resizes the PTY to
// match after replaying scrollback.
type AttachPayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// InputPayload carries keystrokes to the session's stdin. Data wins when
// both fields are set; Text exists for structured clients that don't want
// to base64.
type InputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ResizePayload changes the PTY dimensions.
type ResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// AutoApprovePayload toggles automatic confirmation of agent prompts for
// the session.
type AutoApprovePayload struct {
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

// RequestOp enumerates control-plane operations carried on the same
// socket. Matched exhaustively by the server.
type RequestOp string

// Control request operations.
const (
	OpSessionCreate   RequestOp = "session_create"
	OpSessionList     RequestOp = "session_list"
	OpSessionKill     RequestOp = "session_kill"
	OpSessionDelete   RequestOp = "session_delete"
	OpSessionContinue RequestOp = "session_continue"
	OpSessionLock     RequestOp = "session_lock"
	OpWorkerAdd       RequestOp = "worker_add"
	OpWorkerList      RequestOp = "worker_list"
	OpWorkerRemove    RequestOp = "worker_remove"
)

// Valid reports whether op is a known control operation.
func (op RequestOp) Valid() bool {
	switch op {
	case OpSessionCreate, OpSessionList, OpSessionKill, OpSessionDelete,
		OpSessionContinue, OpSessionLock, OpWorkerAdd, OpWorkerList,
		OpWorkerRemove:
		return true
	default:
		return false
	}
}

// RequestPayload is a control-plane request. Fields beyond Op are
// op-specific; unused ones stay zero.
type RequestPayload struct {
	Op RequestOp `json:"op"`

	SessionID        string `json:"session_id,omitempty"`
	WorkerID         string `json:"worker_id,omitempty"`
	Title            string `json:"title,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	TargetWorkerID   string `json:"target_worker_id,omitempty"`
	IsolatedWorktree bool   `json:"isolated_worktree,omitempty"`
	Continue         bool   `json:"continue,omitempty"`
	Locked           bool   `json:"locked,omitempty"`
	StatusFilter     string `json:"status_filter,omitempty"`

	Name         string `json:"name,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
	MaxSessions  int    `json:"max_sessions,omitempty"`
}

// ResultPayload answers a RequestPayload.
type ResultPayload struct {
	OK       bool       `json:"ok"`
	Detail   string     `json:"detail,omitempty"`
	Session  *Session   `json:"session,omitempty"`
	Sessions []*Session `json:"sessions,omitempty"`
	Worker   *Worker    `json:"worker,omitempty"`
	Workers  []*Worker  `json:"workers,omitempty"`
}
