// Package targets keeps the isolated workspace of browser tabs under
// automation: which tabs are managed, which one is current and whether the
// workspace is active, idle or disconnected.
package targets

import (
	"context"
	"errors"
	"time"
)

// Page is a browser page as reported by the remote-debugging endpoint.
type Page struct {
	TargetID string
	WindowID int
	URL      string
	Title    string
	Loaded   bool
}

// Browser enumerates and manipulates pages. The order of ListPages is the
// browser's own order; the first entry is treated as foreground when
// nothing better is known.
type Browser interface {
	ListPages(ctx context.Context) ([]Page, error)
	OpenPage(ctx context.Context, url string, background bool) (Page, error)
	ClosePage(ctx context.Context, targetID string) error
	ActivatePage(ctx context.Context, targetID string) error
	ForegroundPage(ctx context.Context) (Page, error)
}

// ErrGroupingUnsupported is returned by a Grouper that cannot create
// visible tab groups. The manager then tracks membership on its own.
var ErrGroupingUnsupported = errors.New("tab grouping unsupported")

// Grouper creates and labels visible tab groups.
type Grouper interface {
	CreateGroup(ctx context.Context, targetIDs []string, title string) (int, error)
	AddToGroup(ctx context.Context, groupID int, targetIDs []string) error
	SetGroupTitle(ctx context.Context, groupID int, title string) error
}

type Status string

const (
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusDisconnected:
		return true
	}
	return false
}

// Indicator is the glyph prefixed to the group label.
func (s Status) Indicator() string {
	switch s {
	case StatusActive:
		return "🟢"
	case StatusIdle:
		return "🟡"
	case StatusDisconnected:
		return "🔴"
	}
	return "⚪"
}

// Label renders the visible group title for a status.
func Label(title string, s Status) string {
	return s.Indicator() + " " + title
}

type TargetInfo struct {
	TabID    int    `json:"tab_id"`
	TargetID string `json:"target_id"`
	WindowID int    `json:"window_id,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Loaded   bool   `json:"loaded"`
	Managed  bool   `json:"managed"`
	GroupID  int    `json:"group_id,omitempty"`
	Current  bool   `json:"current"`
}

// Group is a snapshot of the managed workspace. ID is zero when grouping is
// unavailable and membership is tracked without a visible group.
type Group struct {
	ID        int       `json:"group_id"`
	Title     string    `json:"title"`
	Label     string    `json:"label"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Members   []int     `json:"members"`
	Grouped   bool      `json:"grouped"`
}
