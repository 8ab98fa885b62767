package serialapi

import "fmt"

// Transmit option bits for SendData requests.
const (
	TransmitOptionACK       uint8 = 0x01
	TransmitOptionLowPower  uint8 = 0x02
	TransmitOptionAutoRoute uint8 = 0x04
	TransmitOptionNoRoute   uint8 = 0x10
	TransmitOptionExplore   uint8 = 0x20
)

// DefaultTransmitOptions is what the driver requests for ordinary sends.
const DefaultTransmitOptions = TransmitOptionACK | TransmitOptionAutoRoute | TransmitOptionExplore

// TransmitStatus reports the outcome of a SendData callback.
type TransmitStatus uint8

const (
	TransmitOK      TransmitStatus = 0x00
	TransmitNoAck   TransmitStatus = 0x01
	TransmitFail    TransmitStatus = 0x02
	TransmitNotIdle TransmitStatus = 0x03
	TransmitNoRoute TransmitStatus = 0x04
)

// String returns the status name.
func (s TransmitStatus) String() string {
	switch s {
	case TransmitOK:
		return "OK"
	case TransmitNoAck:
		return "NoAck"
	case TransmitFail:
		return "Fail"
	case TransmitNotIdle:
		return "NotIdle"
	case TransmitNoRoute:
		return "NoRoute"
	}
	return hexByte(uint8(s))
}

// OK reports whether the transmission reached the node.
func (s TransmitStatus) OK() bool { return s == TransmitOK }

// TransmitReport is the detailed transmission report appended to SendData
// callbacks on newer controllers. When the controller sends the short
// callback form only Status is set, AckRSSI reads 0x7F (unavailable) and
// the other fields are zero.
type TransmitReport struct {
	Status TransmitStatus

	// TransmitTicks is the transmission time in 10 ms ticks.
	TransmitTicks uint16

	// RepeaterCount is the number of repeaters the frame traversed.
	RepeaterCount uint8

	// AckRSSI is the RSSI of the acknowledgement, 0x7F when unavailable.
	AckRSSI int8

	// AckChannel and TransmitChannel identify the RF channels used.
	AckChannel      uint8
	TransmitChannel uint8

	// RouteSpeed is the protocol speed the route ran at.
	RouteSpeed uint8
}

// ParseTransmitReport decodes a SendData callback payload following the
// callback id byte. Only the status byte is mandatory.
func ParseTransmitReport(data []byte) (*TransmitReport, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("transmit report too short: %d bytes", len(data))
	}
	r := &TransmitReport{Status: TransmitStatus(data[0]), AckRSSI: rssiUnavailable}
	if len(data) >= 3 {
		r.TransmitTicks = uint16(data[1])<<8 | uint16(data[2])
	}
	// Extended report: repeaters, per-hop RSSI, channels, route speed.
	if len(data) >= 9 {
		r.RepeaterCount = data[3]
		r.AckRSSI = int8(data[4])
		r.AckChannel = data[8]
	}
	if len(data) >= 11 {
		r.TransmitChannel = data[9]
		r.RouteSpeed = data[10]
	}
	return r, nil
}

const rssiUnavailable = 0x7F
