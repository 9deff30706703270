package bridge

import (
	"errors"
	"fmt"
)

// ErrNoReplyAddress is the reject cause for requests without a reply-to.
var ErrNoReplyAddress = errors.New("request has no reply address")

// BrokerError is a transport failure. It ends the session.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}
