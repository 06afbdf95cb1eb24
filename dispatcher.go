package ice

// inboundClass is the result of the cheap, allocation-free first pass
// over a freshly-received datagram (spec §4.4, component C7: Inbound
// Dispatcher). It decides, without fully parsing the packet, whether it
// should be handed to the STUN codec or straight back to the caller as
// media.
type inboundClass int

const (
	inboundMedia inboundClass = iota
	inboundSTUN
	inboundUnknown
)

// classifyInbound implements the RFC 5764-style demultiplexing rule spec
// §4.4 calls out explicitly: if the top two bits of the first byte are
// "10" (i.e. the byte masks to 0x80), this looks like an RTP/RTCP media
// packet (RTP version 2 sets those bits), so it is returned to the caller
// untouched. Otherwise a cheap header check (looksLikeStun) decides
// whether it is STUN; anything without a STUN header is not ours either,
// and also goes back to the caller. The full parse happens later, in the
// socket reader, which drops STUN-shaped datagrams that fail it.
func classifyInbound(data []byte) inboundClass {
	if len(data) == 0 {
		return inboundUnknown
	}

	if data[0]&0xc0 == 0x80 {
		return inboundMedia
	}

	if looksLikeStun(data) {
		return inboundSTUN
	}

	return inboundUnknown
}

// looksLikeStun performs part of the header sanity check parseStunHeader
// does (top two bits zero, magic cookie present; the length field is not
// checked) without allocating a
// stunMessage, so the hot path for ordinary media doesn't pay for a full
// parse.
func looksLikeStun(data []byte) bool {
	if len(data) < stunHeaderLength {
		return false
	}
	if data[0]&0xc0 != 0 {
		return false
	}
	return data[4] == 0x21 && data[5] == 0x12 && data[6] == 0xa4 && data[7] == 0x42
}
