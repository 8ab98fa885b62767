package serialapi

// FunctionType identifies a Serial API function.
type FunctionType uint8

// Serial API functions the driver core exchanges with the controller.
const (
	FnGetSerialAPIInitData       FunctionType = 0x02
	FnApplicationCommand         FunctionType = 0x04
	FnGetControllerCapabilities  FunctionType = 0x05
	FnSerialAPISetTimeouts       FunctionType = 0x06
	FnGetSerialAPICapabilities   FunctionType = 0x07
	FnSoftReset                  FunctionType = 0x08
	FnSerialAPIStarted           FunctionType = 0x0A
	FnSendData                   FunctionType = 0x13
	FnSendDataMulticast          FunctionType = 0x14
	FnGetControllerVersion       FunctionType = 0x15
	FnSendDataAbort              FunctionType = 0x16
	FnMemoryGetID                FunctionType = 0x20
	FnGetNodeProtocolInfo        FunctionType = 0x41
	FnSetDefault                 FunctionType = 0x42
	FnApplicationUpdate          FunctionType = 0x49
	FnAddNodeToNetwork           FunctionType = 0x4A
	FnRemoveNodeFromNetwork      FunctionType = 0x4B
	FnRequestNodeInfo            FunctionType = 0x60
	FnRemoveFailedNode           FunctionType = 0x61
	FnIsFailedNode               FunctionType = 0x62
	FnBridgeApplicationCommand   FunctionType = 0xA8
	FnSendDataBridge             FunctionType = 0xA9
)

// String returns the function name, or a hex literal for unknown types.
func (f FunctionType) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return hexByte(uint8(f))
}

var functionNames = map[FunctionType]string{
	FnGetSerialAPIInitData:      "GetSerialAPIInitData",
	FnApplicationCommand:        "ApplicationCommand",
	FnGetControllerCapabilities: "GetControllerCapabilities",
	FnSerialAPISetTimeouts:      "SerialAPISetTimeouts",
	FnGetSerialAPICapabilities:  "GetSerialAPICapabilities",
	FnSoftReset:                 "SoftReset",
	FnSerialAPIStarted:          "SerialAPIStarted",
	FnSendData:                  "SendData",
	FnSendDataMulticast:         "SendDataMulticast",
	FnGetControllerVersion:      "GetControllerVersion",
	FnSendDataAbort:             "SendDataAbort",
	FnMemoryGetID:               "MemoryGetID",
	FnGetNodeProtocolInfo:       "GetNodeProtocolInfo",
	FnSetDefault:                "SetDefault",
	FnApplicationUpdate:         "ApplicationUpdate",
	FnAddNodeToNetwork:          "AddNodeToNetwork",
	FnRemoveNodeFromNetwork:     "RemoveNodeFromNetwork",
	FnRequestNodeInfo:           "RequestNodeInfo",
	FnRemoveFailedNode:          "RemoveFailedNode",
	FnIsFailedNode:              "IsFailedNode",
	FnBridgeApplicationCommand:  "BridgeApplicationCommand",
	FnSendDataBridge:            "SendDataBridge",
}

// expectsCallback lists request functions whose completion arrives as a
// later Request frame correlated by callback id.
var expectsCallback = map[FunctionType]bool{
	FnSendData:          true,
	FnSendDataMulticast: true,
	FnSendDataBridge:    true,
	FnRemoveFailedNode:  true,
	FnRequestNodeInfo:   false, // completion arrives as ApplicationUpdate, uncorrelated
}

// ExpectsCallback reports whether a request for this function carries a
// callback id and waits for the matching callback request.
func (f FunctionType) ExpectsCallback() bool {
	return expectsCallback[f]
}

// IsSendData reports whether the function belongs to the SendData family.
func (f FunctionType) IsSendData() bool {
	switch f {
	case FnSendData, FnSendDataMulticast, FnSendDataBridge:
		return true
	}
	return false
}

func hexByte(b uint8) string {
	const digits = "0123456789abcdef"
	return "0x" + string([]byte{digits[b>>4], digits[b&0x0F]})
}
