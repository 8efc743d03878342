// Package wire implements the mesh's on-the-wire framing for Message
// envelopes (spec §6): length (uint32 BE) | payload_bytes | signature_bytes,
// over an ordered reliable transport (TLS-wrapped TCP; see pkg/peer).
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/security"
	"github.com/meshcore/meshnode/pkg/types"
)

// SignatureSize is the fixed size of an Ed25519 signature, which is what
// lets a reader know exactly how many trailing bytes to read after the
// length-prefixed payload.
const SignatureSize = 64

// MaxFrameSize bounds a single frame's payload to defend against a peer
// advertising an unreasonable length prefix and exhausting memory.
const MaxFrameSize = 4 << 20 // 4 MiB

// payloadForm is the JSON wire form of a Message, everything the signature
// covers — the Signature field itself is never part of what gets signed.
type payloadForm struct {
	MessageID   string          `json:"message_id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	TTL         int             `json:"ttl"`
	Kind        string          `json:"kind"`
	Payload     []byte          `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
}

// NewMessage constructs a Message with a fresh message_id, ready for
// Sign and WriteFrame.
func NewMessage(senderID, recipientID string, kind types.MessageKind, payload []byte, ttl int) types.Message {
	return types.Message{
		MessageID:   uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		TTL:         ttl,
		Kind:        kind,
		Payload:     payload,
	}
}

// Sign marshals msg's payload fields and signs them with seed, returning a
// copy of msg with Signature populated.
func Sign(msg types.Message, seed []byte) (types.Message, error) {
	data, err := marshalPayload(msg)
	if err != nil {
		return types.Message{}, err
	}
	msg.Signature = security.Sign(seed, data)
	return msg, nil
}

// Verify reports whether msg's Signature is a valid Ed25519 signature of its
// payload fields under publicKey.
func Verify(msg types.Message, publicKey []byte) bool {
	data, err := marshalPayload(msg)
	if err != nil {
		return false
	}
	return security.Verify(publicKey, data, msg.Signature)
}

func marshalPayload(msg types.Message) ([]byte, error) {
	return json.Marshal(payloadForm{
		MessageID:   msg.MessageID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		TTL:         msg.TTL,
		Kind:        string(msg.Kind),
		Payload:     msg.Payload,
		Timestamp:   msg.Timestamp.UnixNano(),
	})
}

// WriteFrame writes msg to w as length | payload_bytes | signature_bytes.
// msg.Signature must already be populated (see Sign).
func WriteFrame(w io.Writer, msg types.Message) error {
	if len(msg.Signature) != SignatureSize {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("wire: signature must be %d bytes, got %d", SignatureSize, len(msg.Signature)))
	}

	payload, err := marshalPayload(msg)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if len(payload) > MaxFrameSize {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("wire: payload %d bytes exceeds max frame size %d", len(payload), MaxFrameSize))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return errkind.Wrap(errkind.PeerUnreachable, err)
	}
	if _, err := bw.Write(payload); err != nil {
		return errkind.Wrap(errkind.PeerUnreachable, err)
	}
	if _, err := bw.Write(msg.Signature); err != nil {
		return errkind.Wrap(errkind.PeerUnreachable, err)
	}
	return bw.Flush()
}

// ReadFrame reads one frame from r and returns the decoded Message,
// signature included but not yet verified against a specific peer key (the
// caller knows which peer_id the session belongs to and looks up the
// public key via the Peer Manager).
func ReadFrame(r io.Reader) (types.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return types.Message{}, errkind.Wrap(errkind.PeerUnreachable, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxFrameSize {
		return types.Message{}, errkind.Wrap(errkind.Internal, fmt.Errorf("wire: invalid frame length %d", length))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return types.Message{}, errkind.Wrap(errkind.PeerUnreachable, err)
	}

	sig := make([]byte, SignatureSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return types.Message{}, errkind.Wrap(errkind.PeerUnreachable, err)
	}

	var pf payloadForm
	if err := json.Unmarshal(payload, &pf); err != nil {
		return types.Message{}, errkind.Wrap(errkind.Internal, err)
	}

	return types.Message{
		MessageID:   pf.MessageID,
		SenderID:    pf.SenderID,
		RecipientID: pf.RecipientID,
		TTL:         pf.TTL,
		Kind:        types.MessageKind(pf.Kind),
		Payload:     pf.Payload,
		Timestamp:   unixNanoToTime(pf.Timestamp),
		Signature:   sig,
	}, nil
}

func unixNanoToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
