/*
Package wire implements the mesh's frame format for Message envelopes:

	length (uint32 BE) | payload_bytes | signature_bytes

payload_bytes is the JSON encoding of every Message field except Signature;
signature_bytes is always exactly SignatureSize (64) bytes, an Ed25519
signature over payload_bytes, which is what lets ReadFrame know how many
trailing bytes to consume without the signature itself being length-prefixed.

Sign/Verify operate on a Message value directly; WriteFrame/ReadFrame move
an already-signed Message across an io.Writer/io.Reader — typically the
TLS-wrapped TCP connection pkg/peer establishes.
*/
package wire
