package protocol

import "fmt"

// Version is the protocol version spoken by this build. Both sides must agree on it during the handshake.
const Version = 1

// Type tags the payload carried by a Message.
type Type string

const (
	TypeHandshake Type = "handshake"
	TypeInstall   Type = "install_request"
	TypeProgress  Type = "progress"
	TypeResult    Type = "install_result"
	TypeCancel    Type = "cancel_request"
	TypeShutdown  Type = "shutdown"
	TypeError     Type = "error"
)

// Message is the tagged union sent over the channel.
// Exactly one payload field is set, the one matching Type.
type Message struct {
	Type    Type `json:"type"`
	Version int  `json:"version,omitempty"`

	Handshake *Handshake      `json:"handshake,omitempty"`
	Install   *InstallRequest `json:"install,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Result    *InstallResult  `json:"result,omitempty"`
	Cancel    *CancelRequest  `json:"cancel,omitempty"`
	Shutdown  *Shutdown       `json:"shutdown,omitempty"`
	Error     *ErrorMessage   `json:"error,omitempty"`
}

type Handshake struct {
	ProtocolVersion int `json:"protocol_version"`
}

// DriverKind is the driver to bind to a device.
type DriverKind string

const (
	DriverWinUSB  DriverKind = "winusb"
	DriverLibUSB0 DriverKind = "libusb0"
	DriverLibUSBK DriverKind = "libusbk"
	DriverCDC     DriverKind = "cdc"
	DriverUser    DriverKind = "user"
)

// Target identifies a device and the driver package to install for it.
type Target struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	// Interface selects one interface of a composite device, e.g. "MI_01". Empty means the whole device.
	Interface   string     `json:"interface,omitempty"`
	DriverKind  DriverKind `json:"driver_kind"`
	PackageName string     `json:"package_name"`
	// Vendor is shown as the manufacturer of the generated driver package.
	Vendor string `json:"vendor,omitempty"`
	// DestDir is where the driver package is extracted before installation.
	DestDir string `json:"dest_dir,omitempty"`
}

func (t Target) String() string {
	if t.Interface != "" {
		return fmt.Sprintf("%04x:%04x/%s", t.VendorID, t.ProductID, t.Interface)
	}
	return fmt.Sprintf("%04x:%04x", t.VendorID, t.ProductID)
}

// InstallRequest asks the client to install a driver for one device.
// IDs are scoped to a session and strictly increasing.
type InstallRequest struct {
	ID uint64 `json:"id"`
	Target
}

type Progress struct {
	RequestID uint64 `json:"request_id"`
	Percent   int    `json:"percent"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Reason explains a failed InstallResult.
type Reason string

const (
	ReasonAborted          Reason = "aborted"
	ReasonTimeout          Reason = "timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonDeviceNotFound   Reason = "device_not_found"
	ReasonDriverBindFailed Reason = "driver_bind_failed"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonAdapter          Reason = "adapter"
)

// InstalledDriver describes the driver bound to a device after a successful install.
type InstalledDriver struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	InfPath string `json:"inf_path,omitempty"`
}

// InstallResult is the terminal answer to an InstallRequest.
type InstallResult struct {
	RequestID uint64           `json:"request_id"`
	Outcome   Outcome          `json:"outcome"`
	Reason    Reason           `json:"reason,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Driver    *InstalledDriver `json:"driver,omitempty"`
}

func (r InstallResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Success builds a successful result.
func Success(id uint64, driver InstalledDriver) InstallResult {
	return InstallResult{RequestID: id, Outcome: OutcomeSuccess, Driver: &driver}
}

// Failed builds a failed result.
func Failed(id uint64, reason Reason, detail string) InstallResult {
	return InstallResult{RequestID: id, Outcome: OutcomeFailed, Reason: reason, Detail: detail}
}

type CancelRequest struct {
	RequestID uint64 `json:"request_id"`
}

type Shutdown struct{}

// ErrorKind classifies session-level errors reported by the peer.
type ErrorKind string

const (
	ErrorKindVersionMismatch   ErrorKind = "version_mismatch"
	ErrorKindUnexpectedMessage ErrorKind = "unexpected_message"
	ErrorKindSequenceMismatch  ErrorKind = "sequence_mismatch"
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindInternal          ErrorKind = "internal"
)

type ErrorMessage struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func NewHandshake() *Message {
	return &Message{Type: TypeHandshake, Version: Version, Handshake: &Handshake{ProtocolVersion: Version}}
}

func NewInstall(req InstallRequest) *Message {
	return &Message{Type: TypeInstall, Version: Version, Install: &req}
}

func NewProgress(p Progress) *Message {
	return &Message{Type: TypeProgress, Version: Version, Progress: &p}
}

func NewResult(r InstallResult) *Message {
	return &Message{Type: TypeResult, Version: Version, Result: &r}
}

func NewCancel(id uint64) *Message {
	return &Message{Type: TypeCancel, Version: Version, Cancel: &CancelRequest{RequestID: id}}
}

func NewShutdown() *Message {
	return &Message{Type: TypeShutdown, Version: Version, Shutdown: &Shutdown{}}
}

func NewError(kind ErrorKind, msg string) *Message {
	return &Message{Type: TypeError, Version: Version, Error: &ErrorMessage{Kind: kind, Message: msg}}
}

// RequestID returns the request a request-scoped message refers to.
func (m *Message) RequestID() (uint64, bool) {
	switch m.Type {
	case TypeInstall:
		return m.Install.ID, true
	case TypeProgress:
		return m.Progress.RequestID, true
	case TypeResult:
		return m.Result.RequestID, true
	case TypeCancel:
		return m.Cancel.RequestID, true
	}
	return 0, false
}
