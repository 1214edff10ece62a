package telemetry

// MaxInboundMessageBytes caps any message a client session may send inward.
// The protocol is otherwise unidirectional (clients only receive batches),
// so this exists purely as a ceiling against a misbehaving or hostile peer
// on the duplex socket.
const MaxInboundMessageBytes = 1 << 20 // 1 MiB

// LastBatchLastID returns the ID of the last event in the last batch sent
// to this session, or "" if none has been sent yet. Transport layers use
// this only for diagnostics; the ordering assertion itself lives in the
// fan-out queue, which is the sole writer of this field.
func (s *Session) LastBatchLastID() string {
	return s.lastBatchLastID
}
