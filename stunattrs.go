package ice

import (
	"encoding/binary"
	"net"
)

// STUN attribute type registry (RFC 5389 §18.2, RFC 5245 §19.1), limited
// to what ICE connectivity checks actually use.
const (
	stunAttrMappedAddress     uint16 = 0x0001
	stunAttrUsername          uint16 = 0x0006
	stunAttrMessageIntegrity  uint16 = 0x0008
	stunAttrErrorCode         uint16 = 0x0009
	stunAttrUnknownAttributes uint16 = 0x000A
	stunAttrXorMappedAddress  uint16 = 0x0020

	stunAttrPriority     uint16 = 0x0024
	stunAttrUseCandidate uint16 = 0x0025

	stunAttrFingerprint    uint16 = 0x8028
	stunAttrIceControlled  uint16 = 0x8029
	stunAttrIceControlling uint16 = 0x802A
)

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// setXorMappedAddress adds XOR-MAPPED-ADDRESS (RFC 5389 §15.2): the
// address XORed with the magic cookie (and, for the port, just the
// cookie's high 16 bits) so that legacy NATs rewriting embedded
// addresses don't corrupt it in transit.
func (msg *stunMessage) setXorMappedAddress(addr TransportAddress) {
	family := familyIPv4
	ipLen := 4
	ip := addr.IP.To4()
	if ip == nil {
		family = familyIPv6
		ipLen = 16
		ip = addr.IP.To16()
	}

	value := make([]byte, 4+ipLen)
	value[1] = family
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(stunMagicCookie>>16))

	xored := make([]byte, ipLen)
	copy(xored, ip)
	xorBytes(xored, stunMagicCookieAndTransactionID(msg.transactionID)[:ipLen])
	copy(value[4:], xored)

	msg.addAttribute(stunAttrXorMappedAddress, value)
}

// getXorMappedAddress decodes XOR-MAPPED-ADDRESS, if present.
func (msg *stunMessage) getXorMappedAddress() (TransportAddress, bool) {
	attr := msg.getAttribute(stunAttrXorMappedAddress)
	if attr == nil {
		return TransportAddress{}, false
	}
	return decodeMappedAddress(attr.Value, msg.transactionID, true)
}

// getMappedAddress decodes the older, non-obfuscated MAPPED-ADDRESS, for
// interop with servers that only send that one.
func (msg *stunMessage) getMappedAddress() (TransportAddress, bool) {
	attr := msg.getAttribute(stunAttrMappedAddress)
	if attr == nil {
		return TransportAddress{}, false
	}
	return decodeMappedAddress(attr.Value, "", false)
}

func decodeMappedAddress(value []byte, transactionID string, xored bool) (TransportAddress, bool) {
	if len(value) < 4 {
		return TransportAddress{}, false
	}
	family := value[1]
	var ipLen int
	var fam IPFamily
	switch family {
	case familyIPv4:
		ipLen, fam = 4, IPv4
	case familyIPv6:
		ipLen, fam = 16, IPv6
	default:
		return TransportAddress{}, false
	}
	if len(value) != 4+ipLen {
		return TransportAddress{}, false
	}

	port := binary.BigEndian.Uint16(value[2:4])
	ip := make([]byte, ipLen)
	copy(ip, value[4:])

	if xored {
		port ^= uint16(stunMagicCookie >> 16)
		xorBytes(ip, stunMagicCookieAndTransactionID(transactionID)[:ipLen])
	}

	return TransportAddress{Family: fam, IP: net.IP(ip), Port: int(port)}, true
}

// stunMagicCookieAndTransactionID is the 16-byte XOR pad used for
// XOR-MAPPED-ADDRESS: magic cookie followed by the transaction id.
func stunMagicCookieAndTransactionID(transactionID string) []byte {
	pad := make([]byte, 16)
	binary.BigEndian.PutUint32(pad[0:4], stunMagicCookie)
	copy(pad[4:16], transactionID)
	return pad
}

func xorBytes(dst, pad []byte) {
	for i := range dst {
		dst[i] ^= pad[i]
	}
}

// addUsername adds USERNAME per RFC 5245 §7.1.2.3's "ufrag:ufrag"
// convention (the peer's fragment first, colon, the sender's own
// fragment), as an outgoing Binding Request carries it.
func (msg *stunMessage) addUsername(remoteUfrag, localUfrag string) {
	msg.addAttribute(stunAttrUsername, []byte(remoteUfrag+":"+localUfrag))
}

// getUsername returns the raw USERNAME value, unsplit.
func (msg *stunMessage) getUsername() (string, bool) {
	attr := msg.getAttribute(stunAttrUsername)
	if attr == nil {
		return "", false
	}
	return string(attr.Value), true
}

// splitUsername splits "ufragA:ufragB" into its two halves, reporting
// false if the attribute is malformed.
func splitUsername(username string) (string, string, bool) {
	for i := 0; i < len(username); i++ {
		if username[i] == ':' {
			return username[:i], username[i+1:], true
		}
	}
	return "", "", false
}

// addPriority adds the PRIORITY attribute every Binding Request carries
// (spec §4.3.4): the priority this candidate would have if peer-reflexive.
func (msg *stunMessage) addPriority(priority uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, priority)
	msg.addAttribute(stunAttrPriority, v)
}

func (msg *stunMessage) getPriority() (uint32, bool) {
	attr := msg.getAttribute(stunAttrPriority)
	if attr == nil || len(attr.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(attr.Value), true
}

// addUseCandidate adds the zero-length USE-CANDIDATE flag attribute a
// controlling agent sets on a nominating check (spec §4.3.6).
func (msg *stunMessage) addUseCandidate() {
	msg.addAttribute(stunAttrUseCandidate, nil)
}

func (msg *stunMessage) hasUseCandidate() bool {
	return msg.getAttribute(stunAttrUseCandidate) != nil
}

// addIceControlling/addIceControlled add the 64-bit tie-breaker attribute
// identifying which role the sender believes it has (spec §4.3.7).
func (msg *stunMessage) addIceControlling(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	msg.addAttribute(stunAttrIceControlling, v)
}

func (msg *stunMessage) addIceControlled(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	msg.addAttribute(stunAttrIceControlled, v)
}

// getRole reports the sender's claimed role and tie-breaker, if either
// ICE-CONTROLLING or ICE-CONTROLLED is present.
func (msg *stunMessage) getRole() (role Role, tieBreaker uint64, present bool) {
	if attr := msg.getAttribute(stunAttrIceControlling); attr != nil && len(attr.Value) == 8 {
		return Controlling, binary.BigEndian.Uint64(attr.Value), true
	}
	if attr := msg.getAttribute(stunAttrIceControlled); attr != nil && len(attr.Value) == 8 {
		return Controlled, binary.BigEndian.Uint64(attr.Value), true
	}
	return 0, 0, false
}

// addErrorCode adds ERROR-CODE (RFC 5389 §15.6): class/number split out
// of a 3-digit code, plus a UTF-8 reason phrase.
func (msg *stunMessage) addErrorCode(code int, reason string) {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	msg.addAttribute(stunAttrErrorCode, v)
}

func (msg *stunMessage) getErrorCode() (code int, reason string, ok bool) {
	attr := msg.getAttribute(stunAttrErrorCode)
	if attr == nil || len(attr.Value) < 4 {
		return 0, "", false
	}
	class := int(attr.Value[2] & 0x7)
	number := int(attr.Value[3])
	return class*100 + number, string(attr.Value[4:]), true
}

// addUnknownAttributes adds UNKNOWN-ATTRIBUTES, used on a 420 error
// response (spec §4.1's validation step for comprehension-required
// attributes the agent doesn't understand).
func (msg *stunMessage) addUnknownAttributes(types []uint16) {
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:2*i+2], t)
	}
	msg.addAttribute(stunAttrUnknownAttributes, v)
}

// isComprehensionRequired reports whether an unrecognised attribute type
// must cause the whole message to be rejected (RFC 5389 §15: attribute
// types below 0x8000 are comprehension-required).
func isComprehensionRequired(t uint16) bool { return t < 0x8000 }

// unknownComprehensionRequired returns the comprehension-required
// attribute types in msg that are not in the given known set.
func unknownComprehensionRequired(msg *stunMessage, known map[uint16]bool) []uint16 {
	var unknown []uint16
	for _, a := range msg.attributes {
		if isComprehensionRequired(a.Type) && !known[a.Type] {
			unknown = append(unknown, a.Type)
		}
	}
	return unknown
}

var knownAttributeTypes = map[uint16]bool{
	stunAttrMappedAddress:     true,
	stunAttrUsername:          true,
	stunAttrMessageIntegrity:  true,
	stunAttrErrorCode:         true,
	stunAttrUnknownAttributes: true,
	stunAttrXorMappedAddress:  true,
	stunAttrPriority:          true,
	stunAttrUseCandidate:      true,
	stunAttrFingerprint:       true,
	stunAttrIceControlled:     true,
	stunAttrIceControlling:    true,
}
