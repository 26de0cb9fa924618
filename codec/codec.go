// Package codec turns calls into frame payloads and frame payloads back into
// messages.
//
// Decoding is tri-modal and tried in a fixed priority order: fault response,
// successful response, then inbound method call. The dispatch loop only depends
// on that contract, never on the wire encoding itself.
package codec

import (
	"fmt"

	"mania-rpc/message"
)

type Codec interface {
	EncodeCall(method string, params ...any) ([]byte, error)
	EncodeResponse(result any) ([]byte, error)
	EncodeFault(fault *message.Fault) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
}

// DecodeError means a payload matched none of the three shapes, or was not
// valid UTF-8. The reader cannot tell a reply from a callback after this, so
// the session treats it as fatal.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Default is the codec GBXRemote speaks.
var Default Codec = XMLRPC{}
