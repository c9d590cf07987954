package pgwire

import (
	"encoding/binary"
	"io"

	"github.com/moraydb/moray/pkg/consts"
)

// SendError writes a fatal bootstrap error to the client in the format
// the announced protocol expects. Before any version is known (proto
// zero) the legacy format is used, since every client understands it.
func SendError(w io.Writer, proto Version, sqlstate, msg string) error {
	if proto.Major() >= 3 {
		var body []byte
		body = append(body, fieldSeverity)
		body = append(body, "FATAL"...)
		body = append(body, 0)
		body = append(body, fieldCode)
		body = append(body, sqlstate...)
		body = append(body, 0)
		body = append(body, fieldMessage)
		body = append(body, msg...)
		body = append(body, 0)
		body = append(body, 0) // field-list terminator

		pkt := make([]byte, 0, len(body)+5)
		pkt = append(pkt, MsgErrorResponse)
		pkt = binary.BigEndian.AppendUint32(pkt, uint32(len(body)+4))
		pkt = append(pkt, body...)
		_, err := w.Write(pkt)
		return err
	}

	// Legacy: tag, text, newline, NUL.
	pkt := make([]byte, 0, len(msg)+3)
	pkt = append(pkt, MsgErrorResponse)
	pkt = append(pkt, msg...)
	pkt = append(pkt, '\n', 0)
	_, err := w.Write(pkt)
	return err
}

// SendBackendKeyData announces the worker pid and cancel key the client
// must present in a later cancel request.
func SendBackendKeyData(w io.Writer, pid int32, key int32) error {
	pkt := make([]byte, 0, 13)
	pkt = append(pkt, MsgBackendKeyData)
	pkt = binary.BigEndian.AppendUint32(pkt, 12)
	pkt = binary.BigEndian.AppendUint32(pkt, uint32(pid))
	pkt = binary.BigEndian.AppendUint32(pkt, uint32(key))
	_, err := w.Write(pkt)
	return err
}

// AdmissionError maps a non-OK admission verdict to the reply sent to
// the client before disconnecting. Returns nil for AdmitOK.
func AdmissionError(a consts.Admission) *ProtocolError {
	switch a {
	case consts.AdmitStartingUp:
		return &ProtocolError{SQLState: CodeCannotConnectNow, Message: "the database system is starting up"}
	case consts.AdmitShuttingDown:
		return &ProtocolError{SQLState: CodeCannotConnectNow, Message: "the database system is shutting down"}
	case consts.AdmitRecovering:
		return &ProtocolError{SQLState: CodeCannotConnectNow, Message: "the database system is in recovery mode"}
	case consts.AdmitTooMany:
		return &ProtocolError{SQLState: CodeTooManyConnections, Message: "sorry, too many clients already"}
	}
	return nil
}
