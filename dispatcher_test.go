package ice

import "testing"

func TestClassifyInboundEmpty(t *testing.T) {
	if got := classifyInbound(nil); got != inboundUnknown {
		t.Errorf("classifyInbound(nil) = %v, want inboundUnknown", got)
	}
}

func TestClassifyInboundMediaTopBits(t *testing.T) {
	// RTP version 2: top two bits are "10".
	data := append([]byte{0x80, 0x00}, make([]byte, 18)...)
	if got := classifyInbound(data); got != inboundMedia {
		t.Errorf("classifyInbound(RTP-shaped) = %v, want inboundMedia", got)
	}
}

func TestClassifyInboundSTUN(t *testing.T) {
	req := buildBindingRequest("012345678901")
	data := req.Bytes()
	if got := classifyInbound(data); got != inboundSTUN {
		t.Errorf("classifyInbound(STUN request) = %v, want inboundSTUN", got)
	}
}

func TestClassifyInboundUnknownGarbage(t *testing.T) {
	data := make([]byte, 30) // zero bytes: not RTP-shaped, not the STUN magic cookie
	if got := classifyInbound(data); got != inboundUnknown {
		t.Errorf("classifyInbound(zeroed garbage) = %v, want inboundUnknown", got)
	}
}

func TestLooksLikeStunRequiresFullHeader(t *testing.T) {
	if looksLikeStun(make([]byte, stunHeaderLength-1)) {
		t.Errorf("a datagram shorter than the STUN header must not look like STUN")
	}
}

func TestLooksLikeStunRejectsTopBitsSet(t *testing.T) {
	req := buildBindingRequest("012345678901")
	data := req.Bytes()
	data[0] |= 0xc0
	if looksLikeStun(data) {
		t.Errorf("a header with the top two bits set must not look like STUN")
	}
}
