// Package logfields defines the structured log field keys used across the
// session and instance lifecycle manager, so that every package spells a
// given concept (a VM id, a LUN, a bridge message id) the same way.
package logfields

const (
	SessionID  = "session-id"
	UserSID    = "user-sid"
	Cookie     = "cookie"
	VMID       = "vm-id"
	DistroID   = "distro-id"
	DistroName = "distro-name"
	InstanceID = "instance-id"
	ClientID   = "client-id"
	LUN        = "lun"
	ShareID    = "share-id"
	HostPath   = "host-path"
	MessageID  = "message-id"
	MessageTyp = "message-type"
	Proc       = "rpc-proc"
	Protocol   = "protocol"
	Pid        = "pid"
	ClientKey  = "client-key"
	TraceID    = "trace-id"
	SpanID     = "span-id"
	ErrorCode  = "error-code"
)
