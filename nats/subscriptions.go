package nats

import (
	"sort"
	"sync"
)

// Subscription describes one live subscription held by a Client.
// Remaining is the server-enforced auto-unsubscribe budget set by
// UnsubscribeAfter; zero means unlimited.
type Subscription struct {
	Channel   Channel
	Subject   string
	Queue     string
	Remaining uint64
}

// subscriptionRegistry is passive bookkeeping of the subscriptions a
// Client has established. It never triggers protocol traffic on its
// own; reconnects do not replay subscriptions unless the caller invokes
// Resubscribe explicitly.
type subscriptionRegistry struct {
	lock          sync.Mutex
	subscriptions map[uint64]Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subscriptions: make(map[uint64]Subscription)}
}

func (registry *subscriptionRegistry) add(channel Channel, subject, queue string) {
	registry.lock.Lock()
	registry.subscriptions[channel.SID] = Subscription{
		Channel: channel,
		Subject: subject,
		Queue:   queue,
	}
	registry.lock.Unlock()
}

func (registry *subscriptionRegistry) remove(sid uint64) {
	registry.lock.Lock()
	delete(registry.subscriptions, sid)
	registry.lock.Unlock()
}

func (registry *subscriptionRegistry) setRemaining(sid uint64, max uint64) {
	registry.lock.Lock()
	if subscription, exists := registry.subscriptions[sid]; exists {
		subscription.Remaining = max
		registry.subscriptions[sid] = subscription
	}
	registry.lock.Unlock()
}

func (registry *subscriptionRegistry) snapshot() []Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	subscriptions := make([]Subscription, 0, len(registry.subscriptions))
	for _, subscription := range registry.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	sort.Slice(subscriptions, func(i, j int) bool {
		return subscriptions[i].Channel.SID < subscriptions[j].Channel.SID
	})
	return subscriptions
}

// Subscriptions returns the client's live subscriptions ordered by id.
func (client *Client) Subscriptions() []Subscription {
	return client.subscriptions.snapshot()
}

// Resubscribe replays the SUB command (and any pending auto-unsubscribe
// budget) for every tracked subscription. Reconnects never do this
// implicitly; callers that detect a server restart can use it to
// restore their subscription set.
func (client *Client) Resubscribe() error {
	verbose := client.verbose
	for _, subscription := range client.subscriptions.snapshot() {
		cmd := formatSub(subscription.Subject, subscription.Queue, subscription.Channel.SID)
		if subscription.Remaining > 0 {
			cmd += formatUnsubAfter(subscription.Channel.SID, subscription.Remaining)
		}
		if err := client.maybeConnect(); err != nil {
			return err
		}
		err := client.withReconnect(func(state *clientState) error {
			if err := state.stream.writeAll([]byte(cmd)); err != nil {
				return err
			}
			if err := waitOK(state, verbose); err != nil {
				return err
			}
			if subscription.Remaining > 0 {
				return waitOK(state, verbose)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
