// Package bridge is the wire contract between the Host Controller and the
// Content Surface.
//
// The two sides share no memory. Each message is a flat JSON object with a
// "type" discriminator and a "v" envelope version, plus the payload fields
// of its kind. Delivery is fire-and-forget: FIFO within one direction, no
// ordering across directions, no retries. A frame sent to a side that is
// gone is dropped.
//
// Usage:
//
//	hostT, surfaceT := bridge.Pipe()
//	host := bridge.NewEndpoint(hostT, bridge.WithName("host"))
//	host.Handle(bridge.KindUndo, func(ctx context.Context, m bridge.Message) { ... })
//	go host.Run(ctx)
//	host.Post(ctx, bridge.HistoryUpdate{CanUndo: true})
package bridge

import (
	"encoding/json"

	"github.com/hazyhaar/liveedit/sitetree"
)

// Kind is the value of the "type" discriminator.
type Kind string

// Discriminators. The strings are part of the wire format.
const (
	KindUpdateElement        Kind = "updateElement"
	KindDeleteElement        Kind = "deleteElement"
	KindUndo                 Kind = "undo"
	KindRedo                 Kind = "redo"
	KindHistoryUpdate        Kind = "historyUpdate"
	KindUpdateBootstrapData  Kind = "updateBootstrapData"
	KindRequestAuthStatus    Kind = "requestAuthStatus"
	KindAuthStatusResponse   Kind = "authStatusResponse"
	KindRequestHistoryStatus Kind = "getHistoryStatus"
)

// Message is one of the concrete kinds below.
type Message interface {
	Kind() Kind
}

// UpdateElement reports a direct in-place edit made on the surface.
type UpdateElement struct {
	Path        string `json:"elementPath"`
	NewValue    any    `json:"newValue"`
	ElementType string `json:"elementType,omitempty"`
}

// DeleteElement reports an element the user removed on the surface.
type DeleteElement struct {
	Path        string `json:"elementPath"`
	ElementType string `json:"elementType,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Undo asks the host to step the shared history back.
type Undo struct{}

// Redo asks the host to step the shared history forward.
type Redo struct{}

// HistoryUpdate is a result notice sent after every commit, undo or redo.
// Receivers only refresh affordances from it; it never drives a state change.
type HistoryUpdate struct {
	CanUndo      bool `json:"canUndo"`
	CanRedo      bool `json:"canRedo"`
	HistorySize  int  `json:"historySize,omitempty"`
	CurrentIndex int  `json:"currentIndex,omitempty"`
}

// UpdateBootstrapData is the authoritative full-tree push after undo/redo.
// The surface re-renders from it and cannot refuse it.
type UpdateBootstrapData struct {
	Data sitetree.Tree `json:"data"`
}

// UnmarshalJSON accepts the legacy "newData" payload name.
func (m *UpdateBootstrapData) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data    sitetree.Tree `json:"data"`
		NewData sitetree.Tree `json:"newData"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Data = raw.Data
	if m.Data == nil {
		m.Data = raw.NewData
	}
	return nil
}

// RequestAuthStatus asks whether edits may be persisted.
type RequestAuthStatus struct{}

// AuthStatusResponse answers RequestAuthStatus.
type AuthStatusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
}

// RequestHistoryStatus asks the host to re-broadcast a HistoryUpdate.
type RequestHistoryStatus struct{}

func (UpdateElement) Kind() Kind        { return KindUpdateElement }
func (DeleteElement) Kind() Kind        { return KindDeleteElement }
func (Undo) Kind() Kind                 { return KindUndo }
func (Redo) Kind() Kind                 { return KindRedo }
func (HistoryUpdate) Kind() Kind        { return KindHistoryUpdate }
func (UpdateBootstrapData) Kind() Kind  { return KindUpdateBootstrapData }
func (RequestAuthStatus) Kind() Kind    { return KindRequestAuthStatus }
func (AuthStatusResponse) Kind() Kind   { return KindAuthStatusResponse }
func (RequestHistoryStatus) Kind() Kind { return KindRequestHistoryStatus }
