package events

import "time"

// BrokerCallStart is emitted before a broker action call is dispatched.
type BrokerCallStart struct {
	ID        string
	Action    string
	Transport string
}

// BrokerCallFinish is emitted after a broker action call completes.
type BrokerCallFinish struct {
	ID        string
	Action    string
	Transport string
	Err       error
	Duration  time.Duration
}
