package main

import (
	"net"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Subject matching.
//
// Subscription patterns are dot-separated tokens where "*" matches exactly
// one token and ">" matches one or more trailing tokens. Publish subjects
// are always literal.
// ---------------------------------------------------------------------------

func subjectMatches(publishSubject, pattern string) bool {
	if publishSubject == pattern {
		return true
	}
	if !strings.ContainsAny(pattern, "*>") {
		return false
	}

	var subjectTokens = strings.Split(publishSubject, ".")
	var patternTokens = strings.Split(pattern, ".")

	var index int
	for index = 0; index < len(patternTokens); index++ {
		var token = patternTokens[index]
		if token == ">" {
			// ">" must be the last token and match at least one token.
			return index == len(patternTokens)-1 && index < len(subjectTokens)
		}
		if index >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[index] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}

// ---------------------------------------------------------------------------
// subscription — one SUB registration held by a connection.
// ---------------------------------------------------------------------------

type subscription struct {
	conn    net.Conn
	writer  *connWriter
	sid     uint64
	pattern string
	queue   string

	mu        sync.Mutex
	remaining int // -1 = unlimited, set by UNSUB <sid> <max>
}

func (sub *subscription) setRemaining(max int) {
	sub.mu.Lock()
	sub.remaining = max
	sub.mu.Unlock()
}

// consumeDelivery reports whether the subscription may receive one more
// message and whether this delivery exhausted its budget.
func (sub *subscription) consumeDelivery() (deliver, exhausted bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.remaining == 0 {
		return false, true
	}
	if sub.remaining > 0 {
		sub.remaining--
		return true, sub.remaining == 0
	}
	return true, false
}

// ---------------------------------------------------------------------------
// subscriberSet — per-pattern set of active subscribers.
//
// Uses RWMutex: writes (register/unregister) are infrequent; reads
// (fan-out iteration) are the hot path.
// ---------------------------------------------------------------------------

type subscriberSet struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[*subscription]struct{})}
}

func (ss *subscriberSet) add(sub *subscription) {
	ss.mu.Lock()
	ss.subs[sub] = struct{}{}
	ss.mu.Unlock()
}

func (ss *subscriberSet) remove(sub *subscription) {
	ss.mu.Lock()
	delete(ss.subs, sub)
	ss.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Global pattern → *subscriberSet registry.
//
// Wildcard subscriptions are stored under their pattern. Fan-out iterates
// all subscriber sets to check matches.
// ---------------------------------------------------------------------------

var subjectSubscribers sync.Map // string → *subscriberSet

func getOrCreateSubscriberSet(pattern string) *subscriberSet {
	actual, _ := subjectSubscribers.LoadOrStore(pattern, newSubscriberSet())
	return actual.(*subscriberSet)
}

func registerSubscription(sub *subscription) {
	getOrCreateSubscriberSet(sub.pattern).add(sub)
}

func unregisterSubscription(sub *subscription) {
	if ss, ok := subjectSubscribers.Load(sub.pattern); ok {
		ss.(*subscriberSet).remove(sub)
	}
}

func unregisterAll(conn net.Conn) {
	subjectSubscribers.Range(func(_, value interface{}) bool {
		var ss = value.(*subscriberSet)
		ss.mu.Lock()
		for sub := range ss.subs {
			if sub.conn == conn {
				delete(ss.subs, sub)
			}
		}
		ss.mu.Unlock()
		return true
	})
}

// forEachMatchingSubscriber calls fn for every subscriber whose pattern
// matches the published subject. Queue groups receive one delivery per
// group; the selected member rotates with a per-group cursor.
func forEachMatchingSubscriber(publishSubject string, fn func(*subscription)) {
	var direct []*subscription
	var grouped = make(map[string][]*subscription)

	subjectSubscribers.Range(func(_, value interface{}) bool {
		var ss = value.(*subscriberSet)
		ss.mu.RLock()
		for sub := range ss.subs {
			if !subjectMatches(publishSubject, sub.pattern) {
				continue
			}
			if sub.queue == "" {
				direct = append(direct, sub)
			} else {
				grouped[sub.queue] = append(grouped[sub.queue], sub)
			}
		}
		ss.mu.RUnlock()
		return true
	})

	for _, sub := range direct {
		fn(sub)
	}
	for group, members := range grouped {
		fn(pickQueueMember(group, members))
	}
}

var (
	queueCursorMu sync.Mutex
	queueCursors  = make(map[string]int) // queue group → round-robin cursor
)

func pickQueueMember(group string, members []*subscription) *subscription {
	queueCursorMu.Lock()
	defer queueCursorMu.Unlock()

	var index = queueCursors[group] % len(members)
	queueCursors[group] = (index + 1) % len(members)
	return members[index]
}
