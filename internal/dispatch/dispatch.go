// Package dispatch provides the composable routing tree every inbound packet
// flows through.
//
// A tree is built from two node kinds. A Leaf maps action ids to handler
// functions. A Router holds an ordered list of predicate and child pairs and
// delegates to the first child whose predicate matches. Both report false when
// nothing handled the packet, which callers treat as a protocol violation.
//
// Nodes are parameterised by the context type C passed to every handler, so
// per-room or per-session state is injected at call time rather than captured
// when the tree is built.
package dispatch

import (
	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// Handler routes a packet for the given context.
type Handler[C any] interface {
	// Handle reports whether the packet was handled, whatever the business
	// outcome. False means no handler matched or the handler signalled a
	// protocol violation.
	Handle(ctx C, p protocol.Packet) bool
}

// HandlerFunc is a leaf handler function.
type HandlerFunc[C any] func(ctx C, p protocol.Packet) bool

// Handle calls f.
func (f HandlerFunc[C]) Handle(ctx C, p protocol.Packet) bool { return f(ctx, p) }

// Leaf dispatches on the exact action id.
type Leaf[C any] struct {
	handlers map[protocol.Action]HandlerFunc[C]
}

// NewLeaf creates a Leaf from an action to handler map.
//
// Postcondition: Returns a Leaf owning a copy of handlers.
func NewLeaf[C any](handlers map[protocol.Action]HandlerFunc[C]) *Leaf[C] {
	m := make(map[protocol.Action]HandlerFunc[C], len(handlers))
	for a, h := range handlers {
		m[a] = h
	}
	return &Leaf[C]{handlers: m}
}

// Handle invokes the handler registered for p.Action.
func (l *Leaf[C]) Handle(ctx C, p protocol.Packet) bool {
	h, ok := l.handlers[p.Action]
	if !ok {
		return false
	}
	return h(ctx, p)
}

// Actions returns the action ids this leaf handles.
func (l *Leaf[C]) Actions() []protocol.Action {
	out := make([]protocol.Action, 0, len(l.handlers))
	for a := range l.handlers {
		out = append(out, a)
	}
	return out
}

// Predicate selects packets for a Router branch.
type Predicate func(p protocol.Packet) bool

// Route pairs a predicate with the child it selects.
type Route[C any] struct {
	Match Predicate
	Next  Handler[C]
}

// Router delegates to the first route whose predicate matches.
type Router[C any] struct {
	routes []Route[C]
}

// NewRouter creates a Router evaluating routes in the given order.
func NewRouter[C any](routes ...Route[C]) *Router[C] {
	return &Router[C]{routes: append([]Route[C](nil), routes...)}
}

// Handle delegates to the first matching child. Later routes are not
// consulted even when the matching child returns false.
func (r *Router[C]) Handle(ctx C, p protocol.Packet) bool {
	for _, rt := range r.routes {
		if rt.Match(p) {
			return rt.Next.Handle(ctx, p)
		}
	}
	return false
}

// AdaptOr converts a handler over one context type into a handler over
// another. Contexts that do not project go to fallback instead.
func AdaptOr[From, To any](project func(From) (To, bool), next Handler[To], fallback Handler[From]) Handler[From] {
	return HandlerFunc[From](func(ctx From, p protocol.Packet) bool {
		inner, ok := project(ctx)
		if !ok {
			return fallback.Handle(ctx, p)
		}
		return next.Handle(inner, p)
	})
}

// Session matches the session family.
func Session(p protocol.Packet) bool { return p.Action.IsSession() }

// Lobby matches the lobby family.
func Lobby(p protocol.Packet) bool { return p.Action.IsLobby() }

// Lifecycle matches the match lifecycle family.
func Lifecycle(p protocol.Packet) bool { return p.Action.IsLifecycle() }

// Player matches the player action family.
func Player(p protocol.Packet) bool { return p.Action.IsPlayer() }

// Ability matches the ability family.
func Ability(p protocol.Packet) bool { return p.Action.IsAbility() }

// Match matches every action routed to a room.
func Match(p protocol.Packet) bool { return p.Action.IsMatch() }

// School matches abilities of one element school.
func School(s protocol.School) Predicate {
	return func(p protocol.Packet) bool {
		got, ok := p.Action.School()
		return ok && got == s
	}
}
