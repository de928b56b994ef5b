package protocol

import "errors"

// Legacy error codes used in bytestreams error replies.
const (
	CodeBadRequest     = 400
	CodeForbidden      = 403
	CodeNotFound       = 404
	CodeNotAcceptable  = 406
	CodeConflict       = 409
	CodeInternal       = 500
	CodeNotImplemented = 501
)

// Canonical error texts.
const (
	TextSIDInUse        = "SID in use"
	TextNotAcceptable   = "Not acceptable"
	TextCouldNotConnect = "Could not connect to given hosts"
	TextNoStreamHosts   = "No usable streamhosts"
	TextTimedOut        = "Timed out"
)

var (
	// ErrMalformed indicates a stanza that does not follow the bytestreams schema.
	ErrMalformed = errors.New("malformed bytestreams stanza")

	// ErrUnknownStanza indicates a top-level element that is neither iq nor message.
	ErrUnknownStanza = errors.New("unknown stanza")

	// ErrNotBytestreams indicates a stanza without a bytestreams payload.
	ErrNotBytestreams = errors.New("not a bytestreams stanza")
)
