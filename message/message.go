// Package message defines the decoded form of a GBXRemote payload.
//
// Every frame body decodes into exactly one of three shapes:
//
//   - KindFault:    the peer rejected a call; Fault is set.
//   - KindResponse: a successful reply; Params holds the returned value(s).
//   - KindCall:     a method call from the peer (a callback); Method and Params are set.
package message

import "fmt"

// Kind tells which of the three payload shapes a Message has.
type Kind uint8

const (
	KindResponse Kind = iota
	KindFault
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindFault:
		return "fault"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message carries one decoded payload.
type Message struct {
	Kind   Kind
	Method string // set for KindCall
	Params []any  // call arguments, or the response value(s)
	Fault  *Fault // set for KindFault
}

// Result returns the first response value, or nil when there is none.
func (m *Message) Result() any {
	if len(m.Params) == 0 {
		return nil
	}
	return m.Params[0]
}

// Fault is a structured error returned by the peer for one call. It does not
// affect the session.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.String)
}
