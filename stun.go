package ice

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by RFC 5389 MESSAGE-INTEGRITY, not used for anything security-critical on its own
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// STUN (Session Traversal Utilities for NAT), RFC 5389, restricted to the
// Binding method subset RFC 8445 needs for ICE (spec §4.1/§6). Grounded on
// the teacher's internal/ice/stun.go, which implements this same subset
// by hand rather than through a third-party codec -- that hand-rolled
// approach is kept here rather than swapped for a library, since it is
// itself the teacher's idiom for this exact concern.

type stunClass uint16

const (
	stunRequest         stunClass = 0
	stunIndication      stunClass = 1
	stunSuccessResponse stunClass = 2
	stunErrorResponse   stunClass = 3
)

func (c stunClass) String() string {
	switch c {
	case stunRequest:
		return "request"
	case stunIndication:
		return "indication"
	case stunSuccessResponse:
		return "success-response"
	case stunErrorResponse:
		return "error-response"
	default:
		return "unknown-class"
	}
}

type stunMethod uint16

const stunBindingMethod stunMethod = 0x1

const (
	stunHeaderLength = 20
	stunMagicCookie  = 0x2112A442
)

var stunMagicCookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

// stunMessage is a parsed or in-construction STUN message: method, class,
// 96-bit transaction id, and a list of typed attributes (spec §4.1
// public contract: StunMsg).
type stunMessage struct {
	length        uint16 // body length in bytes, NOT including the 20-byte header
	class         stunClass
	method        stunMethod
	transactionID string // always exactly 12 bytes
	attributes    []*stunAttribute
}

type stunAttribute struct {
	Type   uint16
	Length uint16
	Value  []byte
}

// newStunMessage constructs an empty message of the given class/method.
// If transactionID is empty, a fresh random one is generated.
func newStunMessage(class stunClass, method stunMethod, transactionID string) *stunMessage {
	if transactionID == "" {
		transactionID = randomTransactionID()
	} else if len(transactionID) != 12 {
		logStun.Panicf("ice: invalid STUN transaction id length %d", len(transactionID))
	}
	return &stunMessage{class: class, method: method, transactionID: transactionID}
}

// buildBindingRequest is the public contract's build_binding_request.
func buildBindingRequest(transactionID string) *stunMessage {
	return newStunMessage(stunRequest, stunBindingMethod, transactionID)
}

// buildBindingSuccess is the public contract's build_binding_success. It
// always carries XOR-MAPPED-ADDRESS; callers add credentials/fingerprint
// via addMessageIntegrity/addFingerprint afterward.
func buildBindingSuccess(transactionID string, mapped TransportAddress) *stunMessage {
	msg := newStunMessage(stunSuccessResponse, stunBindingMethod, transactionID)
	msg.setXorMappedAddress(mapped)
	return msg
}

func buildBindingIndication() *stunMessage {
	return newStunMessage(stunIndication, stunBindingMethod, "")
}

// buildErrorResponse builds an error response with the given STUN error
// code (e.g. 420, 487) and reason phrase.
func buildErrorResponse(transactionID string, code int, reason string) *stunMessage {
	msg := newStunMessage(stunErrorResponse, stunBindingMethod, transactionID)
	msg.addErrorCode(code, reason)
	return msg
}

// parseStunMessage is the public contract's parse. It returns (nil, nil)
// if data does not even look like a STUN message (spec §4.1 step 1,
// syntactic parse) -- that is not an error, just "not ours", so the
// inbound dispatcher can fall through to treating it as media.
func parseStunMessage(data []byte) (*stunMessage, error) {
	msg := parseStunHeader(data)
	if msg == nil {
		return nil, nil
	}

	if int(msg.length) != len(data)-stunHeaderLength {
		return nil, fmt.Errorf("ice: STUN length field %d does not match body length %d", msg.length, len(data)-stunHeaderLength)
	}

	b := bytes.NewBuffer(data[stunHeaderLength:])
	for b.Len() > 0 {
		attr, err := parseStunAttribute(b)
		if err != nil {
			return nil, err
		}
		msg.attributes = append(msg.attributes, attr)
	}
	return msg, nil
}

func parseStunHeader(data []byte) *stunMessage {
	if len(data) < stunHeaderLength {
		return nil
	}
	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil
	}
	if binary.BigEndian.Uint32(data[4:8]) != stunMagicCookie {
		return nil
	}

	class, method := decomposeMessageType(messageType)
	return &stunMessage{
		length:        length,
		class:         stunClass(class),
		method:        stunMethod(method),
		transactionID: string(data[8:20]),
	}
}

// STUN message type bit layout (RFC 5389 figure 3): the class is split
// across two non-adjacent bits, the method across the rest.
const (
	classMask1  = 0x0100
	classMask2  = 0x0010
	methodMask1 = 0x3e00
	methodMask2 = 0x00e0
	methodMask3 = 0x000f
)

func composeMessageType(class stunClass, method stunMethod) uint16 {
	c, m := uint16(class), uint16(method)
	t := (c<<7)&classMask1 | (c<<4)&classMask2
	t |= (m<<2)&methodMask1 | (m<<1)&methodMask2 | (m & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (class, method uint16) {
	class = (t&classMask1)>>7 | (t&classMask2)>>4
	method = (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return
}

func parseStunAttribute(b *bytes.Buffer) (*stunAttribute, error) {
	if b.Len() < 4 {
		return nil, fmt.Errorf("ice: truncated STUN attribute header")
	}
	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return nil, fmt.Errorf("ice: STUN attribute type=%#x claims length %d, only %d remain", typ, length, b.Len())
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length))
	return &stunAttribute{typ, length, value}, nil
}

func (msg *stunMessage) addAttribute(t uint16, v []byte) *stunAttribute {
	value := make([]byte, len(v))
	copy(value, v)
	attr := &stunAttribute{Type: t, Length: uint16(len(value)), Value: value}
	msg.attributes = append(msg.attributes, attr)
	msg.length += uint16(attr.numBytes())
	return attr
}

func (msg *stunMessage) getAttribute(t uint16) *stunAttribute {
	for _, a := range msg.attributes {
		if a.Type == t {
			return a
		}
	}
	return nil
}

// Bytes serialises the message, including header, in wire order. Callers
// that need MESSAGE-INTEGRITY/FINGERPRINT must add those attributes
// before the final call to Bytes (they sign/checksum everything before
// themselves).
func (msg *stunMessage) Bytes() []byte {
	buf := make([]byte, 0, stunHeaderLength+int(msg.length))
	w := bytes.NewBuffer(buf)

	var header [stunHeaderLength]byte
	binary.BigEndian.PutUint16(header[0:2], composeMessageType(msg.class, msg.method))
	binary.BigEndian.PutUint16(header[2:4], msg.length)
	binary.BigEndian.PutUint32(header[4:8], stunMagicCookie)
	copy(header[8:20], msg.transactionID)
	w.Write(header[:])

	for _, attr := range msg.attributes {
		var ah [4]byte
		binary.BigEndian.PutUint16(ah[0:2], attr.Type)
		binary.BigEndian.PutUint16(ah[2:4], attr.Length)
		w.Write(ah[:])
		w.Write(attr.Value)
		w.Write(zeroPad[:pad4(attr.Length)])
	}
	return w.Bytes()
}

func (attr *stunAttribute) numBytes() int {
	return 4 + int(attr.Length) + pad4(attr.Length)
}

// pad4 returns the number of padding bytes (0-3) needed to round n up to
// a 4-byte boundary.
func pad4(n uint16) int { return -int(n) & 3 }

var zeroPad [4]byte

const stunAttrMessageIntegrityLen = 20
const stunAttrFingerprintLen = 4

// addMessageIntegrity implements RFC 5389 §15.4: HMAC-SHA1 over the
// message so far (with a dummy-length MESSAGE-INTEGRITY already included
// in the length field), keyed by the short-term-credential password.
func (msg *stunMessage) addMessageIntegrity(key string) {
	attr := msg.addAttribute(stunAttrMessageIntegrity, make([]byte, stunAttrMessageIntegrityLen))
	b := msg.Bytes()
	signedPortion := b[:len(b)-attr.numBytes()]

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(signedPortion)
	copy(attr.Value, mac.Sum(nil))
}

// verifyMessageIntegrity recomputes the HMAC over everything before the
// MESSAGE-INTEGRITY attribute (and before any attribute that followed it
// in the original message) and compares in constant time.
func (msg *stunMessage) verifyMessageIntegrity(key string) bool {
	idx := -1
	for i, a := range msg.attributes {
		if a.Type == stunAttrMessageIntegrity {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	truncated := &stunMessage{
		class:         msg.class,
		method:        msg.method,
		transactionID: msg.transactionID,
		attributes:    msg.attributes[:idx],
	}
	for _, a := range truncated.attributes {
		truncated.length += uint16(a.numBytes())
	}
	// Account for the MESSAGE-INTEGRITY attribute itself in the length
	// field, matching how it was present when originally signed.
	truncated.length += uint16((&stunAttribute{Length: stunAttrMessageIntegrityLen}).numBytes())

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(truncated.Bytes())
	expected := mac.Sum(nil)

	return hmac.Equal(expected, msg.attributes[idx].Value)
}

// addFingerprint implements RFC 5389 §15.5: CRC-32 of everything before
// this attribute, XORed with 0x5354554e. Always added last.
func (msg *stunMessage) addFingerprint() {
	attr := msg.addAttribute(stunAttrFingerprint, make([]byte, stunAttrFingerprintLen))
	b := msg.Bytes()
	signedPortion := b[:len(b)-attr.numBytes()]
	crc := crc32.ChecksumIEEE(signedPortion) ^ 0x5354554e
	binary.BigEndian.PutUint32(attr.Value, crc)
}

// verifyFingerprint reports whether the trailing FINGERPRINT attribute
// (if any) matches. Per spec §4.1 step 1, FINGERPRINT must match if
// present; a message with no FINGERPRINT at all passes this check (the
// caller decides separately whether to require its presence).
func (msg *stunMessage) verifyFingerprint() bool {
	n := len(msg.attributes)
	if n == 0 || msg.attributes[n-1].Type != stunAttrFingerprint {
		return true
	}
	fp := msg.attributes[n-1]

	truncated := &stunMessage{
		class:         msg.class,
		method:        msg.method,
		transactionID: msg.transactionID,
		attributes:    msg.attributes[:n-1],
	}
	for _, a := range truncated.attributes {
		truncated.length += uint16(a.numBytes())
	}

	b := truncated.Bytes()
	want := crc32.ChecksumIEEE(b) ^ 0x5354554e
	got := binary.BigEndian.Uint32(fp.Value)
	return want == got
}

func (msg *stunMessage) String() string {
	return fmt.Sprintf("STUN %s/%s tid=%x attrs=%d", msg.class, methodName(msg.method), []byte(msg.transactionID), len(msg.attributes))
}

func methodName(m stunMethod) string {
	if m == stunBindingMethod {
		return "binding"
	}
	return fmt.Sprintf("method-%#x", uint16(m))
}
