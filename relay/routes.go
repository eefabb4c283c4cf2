package relay

import (
	"encoding/json"

	"github.com/opd-ai/chatlink/call"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
)

// on subscribes handle to event on m's channel with a decoded payload.
func on[T any](m *member, event string, handle func(*member, T)) {
	m.subs.Add(m.ch.Subscribe(event, func(data json.RawMessage) {
		var msg T
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "on",
				"user_id":  m.id,
				"event":    event,
				"error":    err.Error(),
			}).Warn("Dropping malformed event")
			return
		}
		handle(m, msg)
	}))
}

func (r *Relay) subscribeCalls(m *member) {
	on(m, transport.EventCallRequest, r.routeRequest)
	on(m, transport.EventCallAnswer, r.routeAnswer)
	on(m, transport.EventICECandidate, r.routeCandidate)
	on(m, transport.EventCallRejected, func(from *member, msg call.Hangup) {
		r.routeHangup(from, transport.EventCallRejected, msg)
	})
	on(m, transport.EventCallEnded, func(from *member, msg call.Hangup) {
		r.routeHangup(from, transport.EventCallEnded, msg)
	})
}

// target resolves the recipient of a call event. An offline target is
// reported to the sender as call_error when notify is set.
func (r *Relay) target(from *member, targetID, event string, notify bool) (*member, bool) {
	to, ok := r.lookup(targetID)
	if ok && to != from {
		return to, true
	}

	logrus.WithFields(logrus.Fields{
		"function":  "target",
		"sender_id": from.id,
		"target_id": targetID,
		"event":     event,
	}).Info("Call target unavailable")
	if notify {
		r.send(from, transport.EventCallError, call.ErrorNotice{Message: offlineMessage})
	}
	return nil, false
}

func (r *Relay) routeRequest(from *member, msg call.Request) {
	to, ok := r.target(from, msg.TargetID, transport.EventCallRequest, true)
	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "routeRequest",
		"caller_id": from.id,
		"target_id": to.id,
		"kind":      msg.Type,
	}).Info("Relaying call request")

	r.send(to, transport.EventCallReceived, call.Received{
		CallerID:   from.id,
		CallerName: msg.CallerName,
		Type:       msg.Type,
		SDP:        msg.SDP,
	})
}

func (r *Relay) routeAnswer(from *member, msg call.Answer) {
	to, ok := r.target(from, msg.TargetID, transport.EventCallAnswer, true)
	if !ok {
		return
	}
	r.send(to, transport.EventCallAnswered, call.Answered{
		AnswererID: from.id,
		SDP:        msg.SDP,
	})
}

func (r *Relay) routeCandidate(from *member, msg call.Candidate) {
	to, ok := r.target(from, msg.TargetID, transport.EventICECandidate, false)
	if !ok {
		return
	}
	r.send(to, transport.EventICECandidate, call.Candidate{
		SenderID:  from.id,
		Candidate: msg.Candidate,
	})
}

func (r *Relay) routeHangup(from *member, event string, msg call.Hangup) {
	to, ok := r.target(from, msg.TargetID, event, false)
	if !ok {
		return
	}
	r.send(to, event, call.Hangup{
		SenderID: from.id,
		Reason:   msg.Reason,
	})
}
