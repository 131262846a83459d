package nats

// Events provides pull-based iteration over incoming messages. It is a
// thin wrapper around Wait that stops producing values once a Wait
// attempt has failed.
type Events struct {
	client *Client
	err    error
}

// Events returns an iterator over the client's incoming messages.
func (client *Client) Events() *Events {
	return &Events{client: client}
}

// Next blocks for the next event. It returns false once iteration has
// terminated; the terminating error is available through Err.
func (events *Events) Next() (*Event, bool) {
	if events.err != nil {
		return nil, false
	}
	event, err := events.client.Wait()
	if err != nil {
		events.err = err
		return nil, false
	}
	return event, true
}

// Err returns the error that terminated iteration, if any.
func (events *Events) Err() error {
	return events.err
}
