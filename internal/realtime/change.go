// Package realtime delivers row change events and keeps live, throttled
// snapshots of query results in step with them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventType is the kind of row change an event describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

var (
	// ErrRealtime marks every error raised by the change feed.
	ErrRealtime = errors.New("realtime error")
	// ErrChannelInUse is returned when a bus already has a subscription
	// under the requested channel name.
	ErrChannelInUse = errors.New("realtime channel already in use")
	ErrBusClosed    = errors.New("realtime bus closed")
	ErrFeedClosed   = errors.New("realtime feed closed")
)

// Change is one row change notification.
type Change struct {
	Table  string         `json:"table"`
	Type   EventType      `json:"type"`
	Record map[string]any `json:"record"`
	// Resync is set on synthetic changes emitted after the bus may have
	// missed notifications. It matches every subscription.
	Resync bool `json:"-"`
}

// Filter restricts a subscription to rows whose column equals a value.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses an equality filter of the form "column=eq.value".
// An empty expression yields a nil filter.
func ParseFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	col, rest, ok := strings.Cut(expr, "=")
	if !ok || col == "" {
		return nil, fmt.Errorf("%w: malformed filter %q", ErrRealtime, expr)
	}
	val, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported filter operator in %q", ErrRealtime, expr)
	}
	return &Filter{Column: col, Value: val}, nil
}

func (f *Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// Match reports whether the record's column value equals the filter value.
func (f *Filter) Match(record map[string]any) bool {
	v, ok := record[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// Spec describes what a subscription listens to.
type Spec struct {
	Channel string
	Table   string
	Event   EventType
	Filter  *Filter
}

// Matches reports whether c qualifies for the subscription.
func (s Spec) Matches(c Change) bool {
	if c.Resync {
		return true
	}
	if c.Table != s.Table {
		return false
	}
	if s.Event != EventAll && s.Event != "" && c.Type != s.Event {
		return false
	}
	if s.Filter != nil && !s.Filter.Match(c.Record) {
		return false
	}
	return true
}

// ChannelName is the default channel identity for a table and event type.
func ChannelName(table string, event EventType) string {
	suffix := "all"
	if event != EventAll && event != "" {
		suffix = strings.ToLower(string(event))
	}
	return "realtime_" + table + "_" + suffix
}

// Bus delivers changes to named subscriptions.
type Bus interface {
	Subscribe(ctx context.Context, spec Spec) (Subscription, error)
}

// Subscription is a live stream of qualifying changes. Events is closed
// once the subscription ends.
type Subscription interface {
	Events() <-chan Change
	Close() error
}

// Error is a change feed failure. It matches ErrRealtime and the cause.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("realtime %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrRealtime, e.Err}
}
