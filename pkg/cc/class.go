package cc

import "fmt"

// CommandClass identifies a Z-Wave command class.
type CommandClass uint8

// Command classes the driver core itself speaks.
const (
	ClassNoOperation          CommandClass = 0x00
	ClassBasic                CommandClass = 0x20
	ClassTransportService     CommandClass = 0x55
	ClassCRC16                CommandClass = 0x56
	ClassDeviceResetLocally   CommandClass = 0x5A
	ClassMultiChannel         CommandClass = 0x60
	ClassSupervision          CommandClass = 0x6C
	ClassManufacturerSpecific CommandClass = 0x72
	ClassWakeUp               CommandClass = 0x84
	ClassVersion              CommandClass = 0x86
	ClassMultiCommand         CommandClass = 0x8F
	ClassSecurity             CommandClass = 0x98
	ClassSecurity2            CommandClass = 0x9F
)

var classNames = map[CommandClass]string{
	ClassNoOperation:          "NoOperation",
	ClassBasic:                "Basic",
	ClassTransportService:     "TransportService",
	ClassCRC16:                "CRC16",
	ClassDeviceResetLocally:   "DeviceResetLocally",
	ClassMultiChannel:         "MultiChannel",
	ClassSupervision:          "Supervision",
	ClassManufacturerSpecific: "ManufacturerSpecific",
	ClassWakeUp:               "WakeUp",
	ClassVersion:              "Version",
	ClassMultiCommand:         "MultiCommand",
	ClassSecurity:             "Security",
	ClassSecurity2:            "Security2",
}

// String returns the class name, or a hex literal for unknown classes.
func (c CommandClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(c))
}

// Basic commands.
const (
	BasicSet    uint8 = 0x01
	BasicGet    uint8 = 0x02
	BasicReport uint8 = 0x03
)

// Supervision commands.
const (
	SupervisionGet    uint8 = 0x01
	SupervisionReport uint8 = 0x02
)

// Supervision report status codes.
const (
	SupervisionNoSupport uint8 = 0x00
	SupervisionWorking   uint8 = 0x01
	SupervisionFail      uint8 = 0x02
	SupervisionSuccess   uint8 = 0xFF
)

// Multi Channel commands.
const (
	MultiChannelCmdEncap uint8 = 0x0D
)

// CRC-16 commands.
const (
	CRC16Encap uint8 = 0x01
)

// Multi Command commands.
const (
	MultiCommandEncap uint8 = 0x01
)

// Security (S0) commands.
const (
	SecuritySchemeGet            uint8 = 0x04
	SecuritySchemeReport         uint8 = 0x05
	SecurityNetworkKeySet        uint8 = 0x06
	SecurityNetworkKeyVerify     uint8 = 0x07
	SecurityNonceGet             uint8 = 0x40
	SecurityNonceReport          uint8 = 0x80
	SecurityMessageEncap         uint8 = 0x81
	SecurityMessageEncapNonceGet uint8 = 0xC1
)

// Security 2 commands.
const (
	Security2NonceGet         uint8 = 0x01
	Security2NonceReport      uint8 = 0x02
	Security2MessageEncap     uint8 = 0x03
	Security2KEXGet           uint8 = 0x04
	Security2KEXReport        uint8 = 0x05
	Security2KEXSet           uint8 = 0x06
	Security2KEXFail          uint8 = 0x07
	Security2PublicKeyReport  uint8 = 0x08
	Security2NetworkKeyGet    uint8 = 0x09
	Security2NetworkKeyReport uint8 = 0x0A
	Security2NetworkKeyVerify uint8 = 0x0B
	Security2TransferEnd      uint8 = 0x0C
)

// Wake Up commands.
const (
	WakeUpIntervalSet        uint8 = 0x04
	WakeUpIntervalGet        uint8 = 0x05
	WakeUpIntervalReport     uint8 = 0x06
	WakeUpNotification       uint8 = 0x07
	WakeUpNoMoreInformation  uint8 = 0x08
	WakeUpIntervalCapsGet    uint8 = 0x09
	WakeUpIntervalCapsReport uint8 = 0x0A
)

// Device Reset Locally commands.
const (
	DeviceResetLocallyNotification uint8 = 0x01
)

// Manufacturer Specific commands.
const (
	ManufacturerSpecificGet    uint8 = 0x04
	ManufacturerSpecificReport uint8 = 0x05
)

// Version commands.
const (
	VersionGet      uint8 = 0x11
	VersionReport   uint8 = 0x12
	VersionCCGet    uint8 = 0x13
	VersionCCReport uint8 = 0x14
)

// Transport Service commands occupy the top five bits of the command
// byte; the low bits carry datagram size bits.
const (
	TransportServiceCmdMask           uint8 = 0xF8
	TransportServiceFirstSegment      uint8 = 0xC0
	TransportServiceSegmentComplete   uint8 = 0xE8
	TransportServiceSegmentRequest    uint8 = 0xC8
	TransportServiceSegmentWait       uint8 = 0xF0
	TransportServiceSubsequentSegment uint8 = 0xE0
)
