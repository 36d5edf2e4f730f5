package protocol

import (
	"encoding/binary"
	"fmt"
)

// --- CreateProcess (spec.md §6: "CreateProcess body (exact field set, in order)") ---

// CreateProcessFlags mirrors the WSL1/WSL2 process-launch flags bitfield.
type CreateProcessFlags uint32

const (
	CreateProcessUseCWD CreateProcessFlags = 1 << iota
	CreateProcessSkipTranslation
)

// Wsl2ConsoleExtras carries the WSL2-only create-process fields (spec.md
// §6: "...WSL2-extras{columns, rows, std-console-bitflags, elevated,
// interop-enabled, allow-oobe}").
type Wsl2ConsoleExtras struct {
	Columns         uint16
	Rows            uint16
	StdConsoleFlags uint32
	Elevated        bool
	InteropEnabled  bool
	AllowOOBE       bool
}

// CreateProcessRequest is the host->guest process-launch request body,
// built and torn down by internal/instance's WSL1/WSL2 CreateProcess
// implementations.
type CreateProcessRequest struct {
	DefaultUID    uint32
	Filename      string
	Cwd           string
	CommandLine   []string
	Environment   []string
	NtEnvironment []string
	ShellOptions  uint32
	NtPath        string
	Username      string
	Flags         CreateProcessFlags

	// Console is non-nil for a WSL2 (utility-vm) create-process request.
	Console *Wsl2ConsoleExtras
}

const createProcessFixedSize = 4*13 + 1 // 13 uint32 fields + wsl2-present byte, before console extras

// Marshal encodes the request as {header}{fixed fields}{trailing buffer}.
func (r *CreateProcessRequest) Marshal() []byte {
	var t stringTable
	filenameOff := t.putString(r.Filename)
	cwdOff := t.putString(r.Cwd)
	cmdOff, cmdCount := t.putStrings(r.CommandLine)
	envOff, envCount := t.putStrings(r.Environment)
	ntEnvOff, ntEnvCount := t.putStrings(r.NtEnvironment)
	ntPathOff := t.putString(r.NtPath)
	userOff := t.putString(r.Username)

	fixed := make([]byte, createProcessFixedSize)
	binary.LittleEndian.PutUint32(fixed[0:4], r.DefaultUID)
	binary.LittleEndian.PutUint32(fixed[4:8], filenameOff)
	binary.LittleEndian.PutUint32(fixed[8:12], cwdOff)
	binary.LittleEndian.PutUint32(fixed[12:16], cmdOff)
	binary.LittleEndian.PutUint32(fixed[16:20], cmdCount)
	binary.LittleEndian.PutUint32(fixed[20:24], envOff)
	binary.LittleEndian.PutUint32(fixed[24:28], envCount)
	binary.LittleEndian.PutUint32(fixed[28:32], ntEnvOff)
	binary.LittleEndian.PutUint32(fixed[32:36], ntEnvCount)
	binary.LittleEndian.PutUint32(fixed[36:40], r.ShellOptions)
	binary.LittleEndian.PutUint32(fixed[40:44], ntPathOff)
	binary.LittleEndian.PutUint32(fixed[44:48], userOff)
	binary.LittleEndian.PutUint32(fixed[48:52], uint32(r.Flags))
	if r.Console != nil {
		fixed[52] = 1
	}

	body := append(fixed, encodeConsoleExtras(r.Console)...)
	body = append(body, t.buf...)
	return framedMessage(messageTypeForCreateProcess(r.Console), body)
}

func messageTypeForCreateProcess(console *Wsl2ConsoleExtras) MessageType {
	if console != nil {
		return MessageCreateProcessUtilityVm
	}
	return MessageCreateProcess
}

func encodeConsoleExtras(c *Wsl2ConsoleExtras) []byte {
	if c == nil {
		return nil
	}
	b := make([]byte, 11)
	binary.LittleEndian.PutUint16(b[0:2], c.Columns)
	binary.LittleEndian.PutUint16(b[2:4], c.Rows)
	binary.LittleEndian.PutUint32(b[4:8], c.StdConsoleFlags)
	b[8] = boolByte(c.Elevated)
	b[9] = boolByte(c.InteropEnabled)
	b[10] = boolByte(c.AllowOOBE)
	return b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// UnmarshalCreateProcessRequest parses a body previously built by Marshal,
// used by tests and by any future in-guest dispatch loop that needs to
// decode what the host sent.
func UnmarshalCreateProcessRequest(hasConsole bool, body []byte) (*CreateProcessRequest, error) {
	if len(body) < createProcessFixedSize {
		return nil, fmt.Errorf("protocol: short CreateProcess body: %d bytes", len(body))
	}
	r := &CreateProcessRequest{
		DefaultUID:   binary.LittleEndian.Uint32(body[0:4]),
		ShellOptions: binary.LittleEndian.Uint32(body[36:40]),
		Flags:        CreateProcessFlags(binary.LittleEndian.Uint32(body[48:52])),
	}
	filenameOff := binary.LittleEndian.Uint32(body[4:8])
	cwdOff := binary.LittleEndian.Uint32(body[8:12])
	cmdOff := binary.LittleEndian.Uint32(body[12:16])
	cmdCount := binary.LittleEndian.Uint32(body[16:20])
	envOff := binary.LittleEndian.Uint32(body[20:24])
	envCount := binary.LittleEndian.Uint32(body[24:28])
	ntEnvOff := binary.LittleEndian.Uint32(body[28:32])
	ntEnvCount := binary.LittleEndian.Uint32(body[32:36])
	ntPathOff := binary.LittleEndian.Uint32(body[40:44])
	userOff := binary.LittleEndian.Uint32(body[44:48])

	rest := body[createProcessFixedSize:]
	if hasConsole {
		if len(rest) < 11 {
			return nil, fmt.Errorf("protocol: short CreateProcessUtilityVm console extras")
		}
		r.Console = &Wsl2ConsoleExtras{
			Columns:         binary.LittleEndian.Uint16(rest[0:2]),
			Rows:            binary.LittleEndian.Uint16(rest[2:4]),
			StdConsoleFlags: binary.LittleEndian.Uint32(rest[4:8]),
			Elevated:        rest[8] != 0,
			InteropEnabled:  rest[9] != 0,
			AllowOOBE:       rest[10] != 0,
		}
		rest = rest[11:]
	}

	r.Filename = getString(rest, filenameOff)
	r.Cwd = getString(rest, cwdOff)
	r.CommandLine = getStrings(rest, cmdOff, cmdCount)
	r.Environment = getStrings(rest, envOff, envCount)
	r.NtEnvironment = getStrings(rest, ntEnvOff, ntEnvCount)
	r.NtPath = getString(rest, ntPathOff)
	r.Username = getString(rest, userOff)
	return r, nil
}

// --- ConfigurationInformation ---

// ConfigurationInformationRequest is the initial per-instance setup
// message (spec.md §6).
type ConfigurationInformationRequest struct {
	DrivesBitmap  uint32
	DefaultUID    uint32
	Timezone      string
	Hostname      string
	FeatureFlags  uint32
	Plan9SockPath string
	DrvfsHint     bool
}

func (r *ConfigurationInformationRequest) Marshal() []byte {
	var t stringTable
	tzOff := t.putString(r.Timezone)
	hostOff := t.putString(r.Hostname)
	p9Off := t.putString(r.Plan9SockPath)

	fixed := make([]byte, 21)
	binary.LittleEndian.PutUint32(fixed[0:4], r.DrivesBitmap)
	binary.LittleEndian.PutUint32(fixed[4:8], r.DefaultUID)
	binary.LittleEndian.PutUint32(fixed[8:12], tzOff)
	binary.LittleEndian.PutUint32(fixed[12:16], hostOff)
	binary.LittleEndian.PutUint32(fixed[16:20], r.FeatureFlags)
	fixed[20] = boolByte(r.DrvfsHint)

	body := append(fixed, byte(p9Off), byte(p9Off>>8), byte(p9Off>>16), byte(p9Off>>24))
	body = append(body, t.buf...)
	return framedMessage(MessageConfigurationInformation, body)
}

// ConfigurationInformationResponse is the guest's reply to
// ConfigurationInformationRequest.
type ConfigurationInformationResponse struct {
	DefaultUID uint32
	InitPid    uint32
	Plan9Port  uint32
	Flavor     string
	OsVersion  string
}

func (r *ConfigurationInformationResponse) Marshal() []byte {
	var t stringTable
	flavorOff := t.putString(r.Flavor)
	osOff := t.putString(r.OsVersion)

	fixed := make([]byte, 20)
	binary.LittleEndian.PutUint32(fixed[0:4], r.DefaultUID)
	binary.LittleEndian.PutUint32(fixed[4:8], r.InitPid)
	binary.LittleEndian.PutUint32(fixed[8:12], r.Plan9Port)
	binary.LittleEndian.PutUint32(fixed[12:16], flavorOff)
	binary.LittleEndian.PutUint32(fixed[16:20], osOff)

	body := append(fixed, t.buf...)
	return framedMessage(MessageConfigurationInformationResponse, body)
}

func UnmarshalConfigurationInformationResponse(body []byte) (*ConfigurationInformationResponse, error) {
	if len(body) < 20 {
		return nil, fmt.Errorf("protocol: short ConfigurationInformationResponse: %d bytes", len(body))
	}
	r := &ConfigurationInformationResponse{
		DefaultUID: binary.LittleEndian.Uint32(body[0:4]),
		InitPid:    binary.LittleEndian.Uint32(body[4:8]),
		Plan9Port:  binary.LittleEndian.Uint32(body[8:12]),
	}
	flavorOff := binary.LittleEndian.Uint32(body[12:16])
	osOff := binary.LittleEndian.Uint32(body[16:20])
	rest := body[20:]
	r.Flavor = getString(rest, flavorOff)
	r.OsVersion = getString(rest, osOff)
	return r, nil
}

// --- NetworkInformation / TimezoneInformation ---

type NetworkInformationRequest struct {
	ResolvConf string
}

func (r *NetworkInformationRequest) Marshal() []byte {
	return framedMessage(MessageNetworkInformation, []byte(r.ResolvConf))
}

type TimezoneInformationRequest struct {
	Timezone string
}

func (r *TimezoneInformationRequest) Marshal() []byte {
	return framedMessage(MessageTimezoneInformation, []byte(r.Timezone))
}

// --- TerminateInstance ---

type TerminateInstanceRequest struct{}

func (r *TerminateInstanceRequest) Marshal() []byte {
	return framedMessage(MessageTerminateInstance, nil)
}

type TerminateInstanceResponse struct {
	Success bool
}

func UnmarshalTerminateInstanceResponse(body []byte) (*TerminateInstanceResponse, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("protocol: short TerminateInstanceResponse")
	}
	return &TerminateInstanceResponse{Success: body[0] != 0}, nil
}

func (r *TerminateInstanceResponse) Marshal() []byte {
	return framedMessage(MessageTerminateInstanceResponse, []byte{boolByte(r.Success)})
}

// --- RemountDrvfs ---

type RemountDrvfsRequest struct {
	DrivesBitmap      uint32
	NonReadableBitmap uint32
	DefaultUID        uint32
	Admin             bool
}

func (r *RemountDrvfsRequest) Marshal() []byte {
	body := make([]byte, 13)
	binary.LittleEndian.PutUint32(body[0:4], r.DrivesBitmap)
	binary.LittleEndian.PutUint32(body[4:8], r.NonReadableBitmap)
	binary.LittleEndian.PutUint32(body[8:12], r.DefaultUID)
	body[12] = boolByte(r.Admin)
	return framedMessage(MessageRemountDrvfs, body)
}

// --- CreateProcessUtilityVm response ---

// CreateProcessUtilityVmResponse carries the single hvsocket port the
// caller must open N connections to (spec.md §4.7).
type CreateProcessUtilityVmResponse struct {
	Port uint32
}

func UnmarshalCreateProcessUtilityVmResponse(body []byte) (*CreateProcessUtilityVmResponse, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: short CreateProcessUtilityVmResponse")
	}
	return &CreateProcessUtilityVmResponse{Port: binary.LittleEndian.Uint32(body[0:4])}, nil
}

func (r *CreateProcessUtilityVmResponse) Marshal() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body[0:4], r.Port)
	return framedMessage(MessageCreateProcessUtilityVmResponse, body)
}

// CreateProcessResponse is the WSL1 reply carrying the process id that the
// host driver subsequently unmarshals into an NT process handle (spec.md §4.6).
type CreateProcessResponse struct {
	ProcessID uint32
}

func UnmarshalCreateProcessResponse(body []byte) (*CreateProcessResponse, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: short CreateProcessResponse")
	}
	return &CreateProcessResponse{ProcessID: binary.LittleEndian.Uint32(body[0:4])}, nil
}

func (r *CreateProcessResponse) Marshal() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body[0:4], r.ProcessID)
	return framedMessage(MessageCreateProcessResponse, body)
}

// --- OOBE result ---

// OobeResultMessage is what the guest sends on the dedicated OOBE channel
// once the first-run experience completes (spec.md §4.7 "OOBE": "a worker
// thread listens on the extra OOBE channel for an OOBE_RESULT message; on
// success it clears the run-oobe flag and updates the default-uid in the
// registration").
type OobeResultMessage struct {
	Success    bool
	DefaultUID uint32
}

func (m *OobeResultMessage) Marshal() []byte {
	body := make([]byte, 5)
	body[0] = boolByte(m.Success)
	binary.LittleEndian.PutUint32(body[1:5], m.DefaultUID)
	return framedMessage(MessageOobeResult, body)
}

func UnmarshalOobeResultMessage(body []byte) (*OobeResultMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("protocol: short OobeResult message")
	}
	return &OobeResultMessage{
		Success:    body[0] != 0,
		DefaultUID: binary.LittleEndian.Uint32(body[1:5]),
	}, nil
}

// --- DNS tunneling ---

// DnsProtocol distinguishes the two DNS transports the tunneling channel
// carries requests/responses for (spec.md §4.3/§6).
type DnsProtocol uint8

const (
	DnsProtocolUDP DnsProtocol = iota
	DnsProtocolTCP
)

// DnsTunnelingMessage is the {protocol, id, buffer} envelope carried
// bidirectionally between C4 (the DNS server) and C5 (its host-channel
// pair), spec.md §4.3/§6.
type DnsTunnelingMessage struct {
	Protocol DnsProtocol
	ID       uint32
	Buffer   []byte
}

func (m *DnsTunnelingMessage) Marshal() []byte {
	body := make([]byte, 5+len(m.Buffer))
	body[0] = byte(m.Protocol)
	binary.LittleEndian.PutUint32(body[1:5], m.ID)
	copy(body[5:], m.Buffer)
	return framedMessage(MessageDnsTunneling, body)
}

func UnmarshalDnsTunnelingMessage(body []byte) (*DnsTunnelingMessage, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("protocol: short DnsTunneling message")
	}
	return &DnsTunnelingMessage{
		Protocol: DnsProtocol(body[0]),
		ID:       binary.LittleEndian.Uint32(body[1:5]),
		Buffer:   append([]byte(nil), body[5:]...),
	}, nil
}

// --- Crash dump ---

// CrashDumpHeader is the fixed-size header preceding the raw core dump on
// the crash-dump channel (spec.md §6 "Crash-dump wire format").
type CrashDumpHeader struct {
	Timestamp   uint64
	Pid         uint32
	Signal      uint32
	ProcessName string
}

const crashDumpHeaderFixedSize = 16

func (h *CrashDumpHeader) Marshal() []byte {
	fixed := make([]byte, crashDumpHeaderFixedSize)
	binary.LittleEndian.PutUint64(fixed[0:8], h.Timestamp)
	binary.LittleEndian.PutUint32(fixed[8:12], h.Pid)
	binary.LittleEndian.PutUint32(fixed[12:16], h.Signal)
	return append(fixed, append([]byte(h.ProcessName), 0)...)
}

func UnmarshalCrashDumpHeader(b []byte) (*CrashDumpHeader, int, error) {
	if len(b) < crashDumpHeaderFixedSize {
		return nil, 0, fmt.Errorf("protocol: short CrashDump header")
	}
	h := &CrashDumpHeader{
		Timestamp: binary.LittleEndian.Uint64(b[0:8]),
		Pid:       binary.LittleEndian.Uint32(b[8:12]),
		Signal:    binary.LittleEndian.Uint32(b[12:16]),
	}
	rest := b[crashDumpHeaderFixedSize:]
	nameEnd := len(rest)
	for i, c := range rest {
		if c == 0 {
			nameEnd = i
			break
		}
	}
	h.ProcessName = string(rest[:nameEnd])
	consumed := crashDumpHeaderFixedSize + nameEnd
	if consumed < len(b) {
		consumed++ // NUL terminator
	}
	return h, consumed, nil
}

// framedMessage prepends the {type, size} header to body, where size
// includes the header (spec.md §4.1).
func framedMessage(typ MessageType, body []byte) []byte {
	h := EncodeHeader(Header{Type: typ, Size: uint32(HeaderSize + len(body))})
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h[:]...)
	out = append(out, body...)
	return out
}
