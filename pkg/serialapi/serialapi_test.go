package serialapi

import (
	"errors"
	"testing"

	"github.com/zwave-host/zwgo/pkg/frame"
)

func TestMessageFrameRoundTrip(t *testing.T) {
	m := NewRequest(FnSendData, []byte{0x05, 0x02, 0x20, 0x01, 0x25, DefaultTransmitOptions, 0x07})
	f := m.Frame()

	if f.Control != frame.SOF || f.Type != frame.TypeRequest || f.Function != 0x13 {
		t.Fatalf("bad frame: %s", f)
	}

	got, err := FromFrame(f)
	if err != nil {
		t.Fatalf("FromFrame failed: %v", err)
	}
	if got.Function != m.Function || got.Type != m.Type {
		t.Errorf("round trip mismatch: got %s, want %s", got, m)
	}
}

func TestFromFrameRejectsControl(t *testing.T) {
	if _, err := FromFrame(&frame.Frame{Control: frame.ACK}); err == nil {
		t.Fatal("expected error for control frame")
	}
}

func TestCallbackCounterSkipsZero(t *testing.T) {
	var c CallbackCounter
	seen := make(map[uint8]bool)
	for i := 0; i < 2*0xFF; i++ {
		id := c.Next()
		if id == 0 {
			t.Fatal("counter handed out zero")
		}
		seen[id] = true
	}
	if len(seen) != 0xFF {
		t.Errorf("expected 255 distinct ids, got %d", len(seen))
	}
}

func TestDecodeControllerVersion(t *testing.T) {
	m := NewResponse(FnGetControllerVersion, []byte("Z-Wave 4.05\x00\x01"))
	v, err := DecodeControllerVersion(m)
	if err != nil {
		t.Fatalf("DecodeControllerVersion failed: %v", err)
	}
	if v.Version != "Z-Wave 4.05" {
		t.Errorf("got version %q", v.Version)
	}
	if !v.IsController() {
		t.Errorf("got library type 0x%02x", v.LibraryType)
	}
}

func TestDecodeControllerID(t *testing.T) {
	m := NewResponse(FnMemoryGetID, []byte{0xC1, 0x5B, 0x8A, 0x12, 0x01})
	id, err := DecodeControllerID(m)
	if err != nil {
		t.Fatalf("DecodeControllerID failed: %v", err)
	}
	if id.HomeID != 0xC15B8A12 {
		t.Errorf("got home id 0x%08x", id.HomeID)
	}
	if id.NodeID != 1 {
		t.Errorf("got node id %d", id.NodeID)
	}
}

func TestDecodeInitData(t *testing.T) {
	payload := make([]byte, 3+nodeBitmaskLength+2)
	payload[0] = 0x05
	payload[1] = 0x00
	payload[2] = nodeBitmaskLength
	payload[3] = 0x01 | 0x10 // nodes 1 and 5
	payload[4] = 0x04        // node 11

	d, err := DecodeInitData(NewResponse(FnGetSerialAPIInitData, payload))
	if err != nil {
		t.Fatalf("DecodeInitData failed: %v", err)
	}
	want := []uint8{1, 5, 11}
	if len(d.Nodes) != len(want) {
		t.Fatalf("got nodes %v, want %v", d.Nodes, want)
	}
	for i := range want {
		if d.Nodes[i] != want[i] {
			t.Fatalf("got nodes %v, want %v", d.Nodes, want)
		}
	}
	if d.Secondary || d.StaticUpdate {
		t.Error("capability bits set unexpectedly")
	}
}

func TestDecodeInitDataBadMask(t *testing.T) {
	_, err := DecodeInitData(NewResponse(FnGetSerialAPIInitData, []byte{0x05, 0x00, 0x03, 0x01, 0x02, 0x03}))
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("got %v, want ErrBadLength", err)
	}
}

func TestDecodeAPICapabilities(t *testing.T) {
	payload := make([]byte, 8+32)
	payload[0], payload[1] = 0x01, 0x02
	payload[2], payload[3] = 0x00, 0x86
	// Bit 0 of byte 0 is function 0x01; set functions 0x02 and 0x13.
	payload[8] = 0x02
	payload[8+2] = 0x04

	c, err := DecodeAPICapabilities(NewResponse(FnGetSerialAPICapabilities, payload))
	if err != nil {
		t.Fatalf("DecodeAPICapabilities failed: %v", err)
	}
	if c.Version != 0x0102 || c.Manufacturer != 0x0086 {
		t.Errorf("got version 0x%04x manufacturer 0x%04x", c.Version, c.Manufacturer)
	}
	if !c.Supports(FnGetSerialAPIInitData) || !c.Supports(FnSendData) {
		t.Errorf("got functions %v", c.Functions)
	}
	if c.Supports(FnSoftReset) {
		t.Error("unexpected SoftReset support")
	}
}

func TestDecodeApplicationCommand(t *testing.T) {
	m := &Message{
		Function: FnApplicationCommand,
		Type:     MessageRequest,
		Payload:  []byte{0x00, 0x05, 0x03, 0x20, 0x03, 0xFF, 0xD2},
	}
	a, err := DecodeApplicationCommand(m)
	if err != nil {
		t.Fatalf("DecodeApplicationCommand failed: %v", err)
	}
	if a.NodeID != 5 {
		t.Errorf("got node %d", a.NodeID)
	}
	if len(a.Data) != 3 || a.Data[0] != 0x20 {
		t.Errorf("got data % 02x", a.Data)
	}
	if a.RSSI != -46 {
		t.Errorf("got rssi %d", a.RSSI)
	}
	if a.Broadcast() {
		t.Error("unexpected broadcast flag")
	}
}

func TestDecodeBridgeApplicationCommand(t *testing.T) {
	m := &Message{
		Function: FnBridgeApplicationCommand,
		Type:     MessageRequest,
		Payload:  []byte{0x00, 0x01, 0x0C, 0x02, 0x20, 0x03},
	}
	a, err := DecodeApplicationCommand(m)
	if err != nil {
		t.Fatalf("DecodeApplicationCommand failed: %v", err)
	}
	if a.NodeID != 0x0C || a.TargetNodeID != 0x01 {
		t.Errorf("got node %d target %d", a.NodeID, a.TargetNodeID)
	}
	if len(a.Data) != 2 {
		t.Errorf("got data % 02x", a.Data)
	}
}

func TestDecodeApplicationUpdate(t *testing.T) {
	m := &Message{
		Function: FnApplicationUpdate,
		Type:     MessageRequest,
		Payload:  []byte{UpdateStateNodeInfoReceived, 0x07, 0x06, 0x04, 0x10, 0x01, 0x25, 0x85, 0x86},
	}
	u, err := DecodeApplicationUpdate(m)
	if err != nil {
		t.Fatalf("DecodeApplicationUpdate failed: %v", err)
	}
	if u.NodeID != 7 || u.GenericClass != 0x10 {
		t.Errorf("got node %d generic 0x%02x", u.NodeID, u.GenericClass)
	}
	if len(u.CommandClasses) != 3 || u.CommandClasses[0] != 0x25 {
		t.Errorf("got ccs % 02x", u.CommandClasses)
	}
}

func TestDecodeApplicationUpdateFailed(t *testing.T) {
	m := &Message{
		Function: FnApplicationUpdate,
		Type:     MessageRequest,
		Payload:  []byte{UpdateStateNodeInfoReqFailed, 0x00},
	}
	u, err := DecodeApplicationUpdate(m)
	if err != nil {
		t.Fatalf("DecodeApplicationUpdate failed: %v", err)
	}
	if u.Status != UpdateStateNodeInfoReqFailed {
		t.Errorf("got status 0x%02x", u.Status)
	}
}

func TestEncodeSendData(t *testing.T) {
	m := EncodeSendData(5, []byte{0x25, 0x01, 0xFF}, DefaultTransmitOptions, 0x21)
	want := []byte{0x05, 0x03, 0x25, 0x01, 0xFF, DefaultTransmitOptions, 0x21}

	if m.Function != FnSendData || m.CallbackID != 0x21 || m.NodeID != 5 {
		t.Fatalf("bad message: %s", m)
	}
	if len(m.Payload) != len(want) {
		t.Fatalf("got payload % 02x, want % 02x", m.Payload, want)
	}
	for i := range want {
		if m.Payload[i] != want[i] {
			t.Fatalf("got payload % 02x, want % 02x", m.Payload, want)
		}
	}
}

func TestDecodeSendDataCallback(t *testing.T) {
	m := &Message{
		Function: FnSendData,
		Type:     MessageRequest,
		Payload:  []byte{0x21, 0x00, 0x00, 0x02},
	}
	cb, err := DecodeSendDataCallback(m)
	if err != nil {
		t.Fatalf("DecodeSendDataCallback failed: %v", err)
	}
	if cb.CallbackID != 0x21 {
		t.Errorf("got callback %d", cb.CallbackID)
	}
	if !cb.Report.Status.OK() {
		t.Errorf("got status %s", cb.Report.Status)
	}
	if cb.Report.TransmitTicks != 2 {
		t.Errorf("got ticks %d", cb.Report.TransmitTicks)
	}
}

func TestDecodeResponseStatus(t *testing.T) {
	ok, err := DecodeResponseStatus(NewResponse(FnSendData, []byte{0x01}))
	if err != nil || !ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	ok, err = DecodeResponseStatus(NewResponse(FnSendData, []byte{0x00}))
	if err != nil || ok {
		t.Fatalf("got %v, %v", ok, err)
	}
}

func TestFunctionTypeString(t *testing.T) {
	if FnSendData.String() != "SendData" {
		t.Errorf("got %q", FnSendData.String())
	}
	if FunctionType(0xEE).String() != "0xee" {
		t.Errorf("got %q", FunctionType(0xEE).String())
	}
}

func TestExpectsCallback(t *testing.T) {
	if !FnSendData.ExpectsCallback() {
		t.Error("SendData should expect a callback")
	}
	if FnRequestNodeInfo.ExpectsCallback() {
		t.Error("RequestNodeInfo completion is uncorrelated")
	}
	if FnGetControllerVersion.ExpectsCallback() {
		t.Error("GetControllerVersion is response only")
	}
}
