package proto

// Hello is sent by a policy daemon as the first line on the daemon link.
type Hello struct {
	Token    string `json:"token"`
	DaemonID string `json:"daemon_id"`
}

// HelloOK relay -> daemon acknowledgement, carrying the ID the daemon is
// known by (assigned when Hello left it empty).
type HelloOK struct {
	DaemonID string `json:"daemon_id"`
}

// Notification relay -> daemon: one intercepted option call to decide.
type Notification struct {
	Kind    string `json:"kind"` // "set" or "get"
	Key     uint64 `json:"key"`
	Token   uint64 `json:"token"`
	Level   int    `json:"level"`
	Optname int    `json:"optname"`
	Value   []byte `json:"value,omitempty"`
	// ReplyTo names the channel reports go to on broker transports.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Report kinds.
const (
	ReportStatus = "status"
	ReportData   = "data"
)

// Report daemon -> relay: the answer to a Notification. Token 0 answers
// whichever call is outstanding for Key. DaemonID is only read on broker
// transports; the link takes it from the session.
type Report struct {
	Kind     string `json:"kind"`
	Key      uint64 `json:"key"`
	Token    uint64 `json:"token"`
	Status   int    `json:"status,omitempty"`
	Data     []byte `json:"data,omitempty"`
	DaemonID string `json:"daemon_id,omitempty"`
}

// Hook ops.
const (
	OpOpen    = "open"
	OpSet     = "set"
	OpGet     = "get"
	OpConnect = "connect"
	OpClose   = "close"
)

// HookRequest interception layer -> relay. Seq is echoed in the response so
// a hook may pipeline calls from several threads on one connection.
type HookRequest struct {
	Seq      uint64 `json:"seq"`
	Op       string `json:"op"`
	Key      uint64 `json:"key"`
	DaemonID string `json:"daemon_id,omitempty"`
	Level    int    `json:"level,omitempty"`
	Optname  int    `json:"optname,omitempty"`
	Value    []byte `json:"value,omitempty"`
	Cap      int    `json:"cap,omitempty"`
}

// HookResponse relay -> interception layer. Errno 0 is success. Native asks
// the hook to finish the call with its own native handler.
type HookResponse struct {
	Seq    uint64 `json:"seq"`
	Errno  int    `json:"errno"`
	Value  []byte `json:"value,omitempty"`
	Native bool   `json:"native,omitempty"`
}
