package serialapi

import (
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrBadLength indicates a payload that is too short or long for the
	// function being decoded.
	ErrBadLength = errors.New("bad message payload length")

	// ErrBadFunction indicates a decode attempt against the wrong function.
	ErrBadFunction = errors.New("message function mismatch")
)

// libraryTypeController identifies a static controller library in the
// GetControllerVersion response.
const libraryTypeController = 0x01

// ControllerVersion is the GetControllerVersion response.
type ControllerVersion struct {
	// Version is the NUL-terminated firmware version string.
	Version string

	// LibraryType identifies the protocol library variant.
	LibraryType uint8
}

// IsController reports whether the library type is a controller library.
func (v *ControllerVersion) IsController() bool {
	return v.LibraryType == libraryTypeController
}

// DecodeControllerVersion parses a GetControllerVersion response.
func DecodeControllerVersion(m *Message) (*ControllerVersion, error) {
	if m.Function != FnGetControllerVersion {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	version := m.Payload[:len(m.Payload)-1]
	// The version string is NUL terminated.
	for i, b := range version {
		if b == 0 {
			version = version[:i]
			break
		}
	}
	return &ControllerVersion{
		Version:     string(version),
		LibraryType: m.Payload[len(m.Payload)-1],
	}, nil
}

// ControllerID is the MemoryGetID response: the controller's home id and
// its own node id.
type ControllerID struct {
	HomeID uint32
	NodeID uint8
}

// DecodeControllerID parses a MemoryGetID response.
func DecodeControllerID(m *Message) (*ControllerID, error) {
	if m.Function != FnMemoryGetID {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) != 5 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	return &ControllerID{
		HomeID: uint32(m.Payload[0])<<24 | uint32(m.Payload[1])<<16 |
			uint32(m.Payload[2])<<8 | uint32(m.Payload[3]),
		NodeID: m.Payload[4],
	}, nil
}

// InitData is the GetSerialAPIInitData response: API version, controller
// role bits and the list of node ids in the network.
type InitData struct {
	Version      uint8
	Secondary    bool
	StaticUpdate bool
	Nodes        []uint8
}

// nodeBitmaskLength covers node ids 1..232.
const nodeBitmaskLength = 29

// DecodeInitData parses a GetSerialAPIInitData response.
func DecodeInitData(m *Message) (*InitData, error) {
	if m.Function != FnGetSerialAPIInitData {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	d := &InitData{
		Version:      m.Payload[0],
		Secondary:    m.Payload[1]&0x04 != 0,
		StaticUpdate: m.Payload[1]&0x08 != 0,
	}
	maskLen := int(m.Payload[2])
	if maskLen != nodeBitmaskLength || len(m.Payload) < 3+maskLen {
		return nil, fmt.Errorf("%w: node bitmask length %d", ErrBadLength, maskLen)
	}
	d.Nodes = decodeNodeBitmask(m.Payload[3 : 3+maskLen])
	return d, nil
}

// decodeNodeBitmask expands a node id bitmask. Bit 0 of byte 0 is node 1.
func decodeNodeBitmask(mask []byte) []uint8 {
	var nodes []uint8
	for i, b := range mask {
		for bit := uint8(0); bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				nodes = append(nodes, 1+uint8(i)*8+bit)
			}
		}
	}
	return nodes
}

// ControllerCapabilities is the GetControllerCapabilities response.
type ControllerCapabilities struct {
	Secondary         bool
	NonStandardHomeID bool
	SUCIDServer       bool
	WasPrimary        bool
	SUC               bool
}

// DecodeControllerCapabilities parses a GetControllerCapabilities response.
func DecodeControllerCapabilities(m *Message) (*ControllerCapabilities, error) {
	if m.Function != FnGetControllerCapabilities {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	caps := m.Payload[0]
	return &ControllerCapabilities{
		Secondary:         caps&0x01 != 0,
		NonStandardHomeID: caps&0x02 != 0,
		SUCIDServer:       caps&0x04 != 0,
		WasPrimary:        caps&0x08 != 0,
		SUC:               caps&0x10 != 0,
	}, nil
}

// APICapabilities is the GetSerialAPICapabilities response.
type APICapabilities struct {
	Version      uint16
	Manufacturer uint16
	ProductType  uint16
	ProductID    uint16

	// Functions lists the function types the controller supports.
	Functions []FunctionType
}

// Supports reports whether the controller implements the function.
func (c *APICapabilities) Supports(fn FunctionType) bool {
	for _, f := range c.Functions {
		if f == fn {
			return true
		}
	}
	return false
}

// DecodeAPICapabilities parses a GetSerialAPICapabilities response.
func DecodeAPICapabilities(m *Message) (*APICapabilities, error) {
	if m.Function != FnGetSerialAPICapabilities {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	// 8 header bytes plus a 32 byte function bitmask.
	if len(m.Payload) < 8+32 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	c := &APICapabilities{
		Version:      uint16(m.Payload[0])<<8 | uint16(m.Payload[1]),
		Manufacturer: uint16(m.Payload[2])<<8 | uint16(m.Payload[3]),
		ProductType:  uint16(m.Payload[4])<<8 | uint16(m.Payload[5]),
		ProductID:    uint16(m.Payload[6])<<8 | uint16(m.Payload[7]),
	}
	for i, b := range m.Payload[8 : 8+32] {
		for bit := uint8(0); bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				c.Functions = append(c.Functions, FunctionType(1+uint8(i)*8+bit))
			}
		}
	}
	return c, nil
}

// SerialAPIStarted is the unsolicited request the controller sends after a
// (soft) reset.
type SerialAPIStarted struct {
	WakeUpReason  uint8
	WatchdogOn    bool
	Listening     bool
	GenericClass  uint8
	SpecificClass uint8
}

// DecodeSerialAPIStarted parses a SerialAPIStarted request.
func DecodeSerialAPIStarted(m *Message) (*SerialAPIStarted, error) {
	if m.Function != FnSerialAPIStarted {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 5 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	return &SerialAPIStarted{
		WakeUpReason:  m.Payload[0],
		WatchdogOn:    m.Payload[1] != 0,
		Listening:     m.Payload[2]&0x80 != 0,
		GenericClass:  m.Payload[3],
		SpecificClass: m.Payload[4],
	}, nil
}

// Receive status bits on ApplicationCommand requests.
const (
	ReceiveStatusLowPower  uint8 = 0x02
	ReceiveStatusBroadcast uint8 = 0x04
	ReceiveStatusMulticast uint8 = 0x08
	ReceiveStatusExplore   uint8 = 0x10
)

// ApplicationCommand is an inbound command from a node, delivered as an
// ApplicationCommand or BridgeApplicationCommand request.
type ApplicationCommand struct {
	ReceiveStatus uint8
	NodeID        uint8

	// TargetNodeID is the receiving virtual node on bridge controllers,
	// zero otherwise.
	TargetNodeID uint8

	// Data is the raw command class payload.
	Data []byte

	// RSSI of the received frame, rssiUnavailable when absent.
	RSSI int8
}

// Broadcast reports whether the command arrived as a broadcast.
func (a *ApplicationCommand) Broadcast() bool {
	return a.ReceiveStatus&ReceiveStatusBroadcast != 0
}

// DecodeApplicationCommand parses an ApplicationCommand or
// BridgeApplicationCommand request.
func DecodeApplicationCommand(m *Message) (*ApplicationCommand, error) {
	switch m.Function {
	case FnApplicationCommand:
		if len(m.Payload) < 3 {
			return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
		}
		ccLen := int(m.Payload[2])
		if len(m.Payload) < 3+ccLen {
			return nil, fmt.Errorf("%w: command length %d", ErrBadLength, ccLen)
		}
		a := &ApplicationCommand{
			ReceiveStatus: m.Payload[0],
			NodeID:        m.Payload[1],
			Data:          m.Payload[3 : 3+ccLen],
			RSSI:          rssiUnavailable,
		}
		if len(m.Payload) > 3+ccLen {
			a.RSSI = int8(m.Payload[3+ccLen])
		}
		return a, nil

	case FnBridgeApplicationCommand:
		if len(m.Payload) < 4 {
			return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
		}
		ccLen := int(m.Payload[3])
		if len(m.Payload) < 4+ccLen {
			return nil, fmt.Errorf("%w: command length %d", ErrBadLength, ccLen)
		}
		return &ApplicationCommand{
			ReceiveStatus: m.Payload[0],
			TargetNodeID:  m.Payload[1],
			NodeID:        m.Payload[2],
			Data:          m.Payload[4 : 4+ccLen],
			RSSI:          rssiUnavailable,
		}, nil

	default:
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
}

// ApplicationUpdate status codes.
const (
	UpdateStateNodeInfoReceived  uint8 = 0x84
	UpdateStateNodeInfoReqDone   uint8 = 0x82
	UpdateStateNodeInfoReqFailed uint8 = 0x81
	UpdateStateRoutingPending    uint8 = 0x80
	UpdateStateNewIDAssigned     uint8 = 0x40
	UpdateStateDeleteDone        uint8 = 0x20
	UpdateStateSUCID             uint8 = 0x10
)

// ApplicationUpdate is the unsolicited node information notification.
type ApplicationUpdate struct {
	Status uint8
	NodeID uint8

	// Basic/Generic/Specific device classes, present on NodeInfoReceived.
	BasicClass    uint8
	GenericClass  uint8
	SpecificClass uint8

	// CommandClasses supported by the node, present on NodeInfoReceived.
	CommandClasses []uint8
}

// DecodeApplicationUpdate parses an ApplicationUpdate request.
func DecodeApplicationUpdate(m *Message) (*ApplicationUpdate, error) {
	if m.Function != FnApplicationUpdate {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	u := &ApplicationUpdate{Status: m.Payload[0], NodeID: m.Payload[1]}
	if u.Status != UpdateStateNodeInfoReceived {
		return u, nil
	}
	if len(m.Payload) < 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	infoLen := int(m.Payload[2])
	if len(m.Payload) < 3+infoLen {
		return nil, fmt.Errorf("%w: node info length %d", ErrBadLength, infoLen)
	}
	info := m.Payload[3 : 3+infoLen]
	if len(info) >= 3 {
		u.BasicClass = info[0]
		u.GenericClass = info[1]
		u.SpecificClass = info[2]
		u.CommandClasses = info[3:]
	}
	return u, nil
}

// NodeProtocolInfo is the GetNodeProtocolInfo response.
type NodeProtocolInfo struct {
	Listening       bool
	Routing         bool
	FrequentlyAwake bool
	BasicClass      uint8
	GenericClass    uint8
	SpecificClass   uint8
}

// DecodeNodeProtocolInfo parses a GetNodeProtocolInfo response.
func DecodeNodeProtocolInfo(m *Message) (*NodeProtocolInfo, error) {
	if m.Function != FnGetNodeProtocolInfo {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) != 6 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	return &NodeProtocolInfo{
		Listening:       m.Payload[0]&0x80 != 0,
		Routing:         m.Payload[0]&0x40 != 0,
		FrequentlyAwake: m.Payload[1]&0x60 != 0,
		BasicClass:      m.Payload[3],
		GenericClass:    m.Payload[4],
		SpecificClass:   m.Payload[5],
	}, nil
}

// EncodeSendData builds a SendData request: node id, command data,
// transmit options and callback id.
func EncodeSendData(nodeID uint8, data []byte, txOptions uint8, callbackID uint8) *Message {
	payload := make([]byte, 0, 4+len(data))
	payload = append(payload, nodeID, uint8(len(data)))
	payload = append(payload, data...)
	payload = append(payload, txOptions, callbackID)
	return &Message{
		Function:   FnSendData,
		Type:       MessageRequest,
		CallbackID: callbackID,
		NodeID:     nodeID,
		Payload:    payload,
	}
}

// EncodeSendDataMulticast builds a SendDataMulticast request for a group
// of node ids.
func EncodeSendDataMulticast(nodeIDs []uint8, data []byte, txOptions uint8, callbackID uint8) *Message {
	payload := make([]byte, 0, 4+len(nodeIDs)+len(data))
	payload = append(payload, uint8(len(nodeIDs)))
	payload = append(payload, nodeIDs...)
	payload = append(payload, uint8(len(data)))
	payload = append(payload, data...)
	payload = append(payload, txOptions, callbackID)
	return &Message{
		Function:   FnSendDataMulticast,
		Type:       MessageRequest,
		CallbackID: callbackID,
		Payload:    payload,
	}
}

// EncodeRequestNodeInfo builds a RequestNodeInfo request.
func EncodeRequestNodeInfo(nodeID uint8) *Message {
	return &Message{
		Function: FnRequestNodeInfo,
		Type:     MessageRequest,
		NodeID:   nodeID,
		Payload:  []byte{nodeID},
	}
}

// EncodeGetNodeProtocolInfo builds a GetNodeProtocolInfo request.
func EncodeGetNodeProtocolInfo(nodeID uint8) *Message {
	return &Message{
		Function: FnGetNodeProtocolInfo,
		Type:     MessageRequest,
		NodeID:   nodeID,
		Payload:  []byte{nodeID},
	}
}

// DecodeResponseStatus parses the single status byte responses (SendData,
// RequestNodeInfo and friends): non-zero means the controller accepted
// the request.
func DecodeResponseStatus(m *Message) (bool, error) {
	if len(m.Payload) < 1 {
		return false, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	return m.Payload[0] != 0, nil
}

// SendDataCallback is the asynchronous completion of a SendData request.
type SendDataCallback struct {
	CallbackID uint8
	Report     *TransmitReport
}

// DecodeSendDataCallback parses a SendData family callback request.
func DecodeSendDataCallback(m *Message) (*SendDataCallback, error) {
	if !m.Function.IsSendData() {
		return nil, fmt.Errorf("%w: got %s", ErrBadFunction, m.Function)
	}
	if len(m.Payload) < 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(m.Payload))
	}
	report, err := ParseTransmitReport(m.Payload[1:])
	if err != nil {
		return nil, err
	}
	return &SendDataCallback{CallbackID: m.Payload[0], Report: report}, nil
}
