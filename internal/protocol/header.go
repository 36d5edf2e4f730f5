// Package protocol implements the guest-init message catalog described in
// spec.md §6: a flat binary header followed by a flat body whose trailing
// fields are referenced by byte offset into a single string/byte buffer.
//
// All integers are host-byte-order, except DNS-over-TCP length prefixes,
// which are explicitly network-order (spec.md §6 "DNS-on-the-wire").
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the wire size of Header: two uint32 fields.
const HeaderSize = 8

// Header is the common envelope for every message exchanged with the
// in-guest init process over a socket channel (spec.md §4.1, §6).
type Header struct {
	// Type identifies the message body that follows.
	Type MessageType
	// Size is the total message size, including the header itself.
	Size uint32
}

// MessageType enumerates the guest-init message catalog (spec.md §6).
type MessageType uint32

const (
	MessageInvalid MessageType = iota
	MessageCreateSession
	MessageConfigurationInformation
	MessageConfigurationInformationResponse
	MessageCreateProcess
	MessageCreateProcessResponse
	MessageCreateProcessUtilityVm
	MessageCreateProcessUtilityVmResponse
	MessageNetworkInformation
	MessageTimezoneInformation
	MessageTerminateInstance
	MessageTerminateInstanceResponse
	MessageRemountDrvfs
	MessageRemountDrvfsResponse
	MessageDnsTunneling
	MessageCrashDump
	MessageCrashDumpResult
	MessageOobeResult
)

func (t MessageType) String() string {
	switch t {
	case MessageCreateSession:
		return "CreateSession"
	case MessageConfigurationInformation:
		return "ConfigurationInformation"
	case MessageConfigurationInformationResponse:
		return "ConfigurationInformationResponse"
	case MessageCreateProcess:
		return "CreateProcess"
	case MessageCreateProcessResponse:
		return "CreateProcessResponse"
	case MessageCreateProcessUtilityVm:
		return "CreateProcessUtilityVm"
	case MessageCreateProcessUtilityVmResponse:
		return "CreateProcessUtilityVmResponse"
	case MessageNetworkInformation:
		return "NetworkInformation"
	case MessageTimezoneInformation:
		return "TimezoneInformation"
	case MessageTerminateInstance:
		return "TerminateInstance"
	case MessageTerminateInstanceResponse:
		return "TerminateInstanceResponse"
	case MessageRemountDrvfs:
		return "RemountDrvfs"
	case MessageRemountDrvfsResponse:
		return "RemountDrvfsResponse"
	case MessageDnsTunneling:
		return "DnsTunneling"
	case MessageCrashDump:
		return "CrashDump"
	case MessageCrashDumpResult:
		return "CrashDumpResult"
	case MessageOobeResult:
		return "OobeResult"
	default:
		return fmt.Sprintf("Unknown(0x%x)", uint32(t))
	}
}

// EncodeHeader writes h to an 8-byte buffer in host byte order.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
	return b
}

// DecodeHeader parses an 8-byte buffer previously produced by EncodeHeader.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: short header: %d bytes", len(b))
	}
	return Header{
		Type: MessageType(binary.LittleEndian.Uint32(b[0:4])),
		Size: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
