package delivery

import (
	"fmt"
	"strings"
)

// Outcome is the classified result of a single delivery attempt. The set of
// variants is closed: Delivered, Rejected, Unreachable, Malformed.
type Outcome interface {
	isOutcome()
	String() string
}

// Delivered means the endpoint accepted the message and assigned RemoteID.
type Delivered struct {
	RemoteID string
}

// Rejected carries a structured error returned by the endpoint.
type Rejected struct {
	Code    int
	Subcode int
	Type    string
	Message string
	// Raw is the error object re-encoded as JSON, for logs.
	Raw string
}

// Unreachable means no usable response arrived (dial, TLS, timeout).
type Unreachable struct {
	Detail string
}

// Malformed means a response arrived but could not be interpreted.
type Malformed struct {
	Detail     string
	StatusCode int
}

func (Delivered) isOutcome()   {}
func (Rejected) isOutcome()    {}
func (Unreachable) isOutcome() {}
func (Malformed) isOutcome()   {}

func (o Delivered) String() string { return "posted successfully: " + o.RemoteID }

func (o Rejected) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error code=%d", o.Code)
	if o.Subcode != 0 {
		fmt.Fprintf(&b, " subcode=%d", o.Subcode)
	}
	if o.Type != "" {
		b.WriteString(" type=" + o.Type)
	}
	if o.Message != "" {
		b.WriteString(": " + o.Message)
	}
	return b.String()
}

func (o Unreachable) String() string { return "error: network: " + o.Detail }

func (o Malformed) String() string {
	if o.StatusCode != 0 {
		return fmt.Sprintf("error: unexpected response (status %d): %s", o.StatusCode, o.Detail)
	}
	return "error: unexpected response: " + o.Detail
}
