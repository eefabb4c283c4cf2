// Package transport provides the shared event channel every chatlink
// subsystem rides on.
//
// # Architecture
//
// A Channel carries named events in both directions over one ordered
// connection. Chat, presence, transfers and calls share it, so each consumer
// subscribes only to the event names it understands and correlates payloads
// by the ids they carry:
//
//	type Channel interface {
//	    Emit(ctx context.Context, event string, payload any) error
//	    Subscribe(event string, handler Handler) Subscription
//	    Close() error
//	}
//
// # Implementations
//
// WebSocketChannel:
//
//	ch, err := transport.Dial(ctx, "wss://chat.example.com/ws", transport.DialOptions{
//	    Token: token,
//	})
//	// One JSON frame per text message, dispatched from a single read loop
//
// MemoryChannel:
//
//	local, remote := transport.NewPipe()
//	// Two connected in-process ends with the same ordering guarantee
//
// # Wire Format
//
//	{"event": "file_chunk", "data": {"fileId": "...", "chunkIndex": 3, ...}}
//
// # Subscriptions
//
// Components collect their subscriptions and release them together on
// Close:
//
//	var subs transport.Subscriptions
//	subs.Add(ch.Subscribe(transport.EventChunkReceived, onAck))
//	defer subs.UnsubscribeAll()
package transport
