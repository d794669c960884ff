package feed

// Subscription is a terminal stream of events. Once its channel is closed it
// never resumes; the owner must call Broker.Subscribe again.
type Subscription struct {
	broker *Broker
	events chan Event
	err    error // written under broker.mu before events is closed
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the reason the subscription ended. It is only meaningful after
// Events has been closed; a subscription closed by its owner reports nil.
func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Fail ends the subscription with err.
func (s *Subscription) Fail(err error) {
	s.broker.terminate(s, err)
}

// Close ends the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.broker.terminate(s, nil)
}
