package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Command types accepted from the façade layer.
const (
	TypeMouseMove     = "mouse_move"
	TypeMouseClick    = "mouse_click"
	TypeMouseScroll   = "mouse_scroll"
	TypeKeyboardType  = "keyboard_type"
	TypeKeyboardPress = "keyboard_press"
	TypeScreenshot    = "screenshot"
	TypeResetMouse    = "reset_mouse"
	TypeTab           = "tab"
	TypeGetTabs       = "get_tabs"
)

// Tab actions.
const (
	TabInit    = "init"
	TabOpen    = "open"
	TabClose   = "close"
	TabSwitch  = "switch"
	TabList    = "list"
	TabRefresh = "refresh"
)

const (
	maxMoveDelta     = 5000
	maxMoveDuration  = 5.0
	defaultDuration  = 0.1
	maxScrollAmount  = 1000
	defaultScroll    = 100
	maxTextLength    = 1000
	maxKeyLength     = 50
	defaultQuality   = 90
	maxClickCount    = 3
	defaultClickKind = "left"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	schemeRe     = regexp.MustCompile(`^https?://`)
)

// Command is a validated, typed command envelope.
type Command interface {
	Head() *Header
	Validate() error
}

// Targeted is implemented by commands that may name an explicit tab. A zero
// tab id means "the current tab".
type Targeted interface {
	TargetTab() int
}

type MouseMove struct {
	Header
	DX       int     `json:"dx"`
	DY       int     `json:"dy"`
	Duration float64 `json:"duration,omitempty"`
	TabID    int     `json:"tab_id,omitempty"`
}

func (c *MouseMove) Head() *Header  { return &c.Header }
func (c *MouseMove) TargetTab() int { return c.TabID }

func (c *MouseMove) Validate() error {
	if c.DX < -maxMoveDelta || c.DX > maxMoveDelta {
		return Validationf("dx must be within [-%d, %d]", maxMoveDelta, maxMoveDelta)
	}
	if c.DY < -maxMoveDelta || c.DY > maxMoveDelta {
		return Validationf("dy must be within [-%d, %d]", maxMoveDelta, maxMoveDelta)
	}
	if c.Duration < 0 || c.Duration > maxMoveDuration {
		return Validationf("duration must be within (0, %.0f]", maxMoveDuration)
	}
	if c.Duration == 0 {
		c.Duration = defaultDuration
	}
	return validTab(c.TabID)
}

type MouseClick struct {
	Header
	Button string `json:"button,omitempty"`
	Double bool   `json:"double,omitempty"`
	Count  int    `json:"count,omitempty"`
	TabID  int    `json:"tab_id,omitempty"`
}

func (c *MouseClick) Head() *Header  { return &c.Header }
func (c *MouseClick) TargetTab() int { return c.TabID }

func (c *MouseClick) Validate() error {
	if c.Button == "" {
		c.Button = defaultClickKind
	}
	switch c.Button {
	case "left", "right", "middle":
	default:
		return Validationf("button must be one of left, right, middle")
	}
	if c.Count == 0 {
		c.Count = 1
	}
	if c.Count < 1 || c.Count > maxClickCount {
		return Validationf("count must be within [1, %d]", maxClickCount)
	}
	return validTab(c.TabID)
}

// Clicks returns the number of press/release pairs to dispatch.
func (c *MouseClick) Clicks() int {
	if c.Double && c.Count < 2 {
		return 2
	}
	return c.Count
}

type MouseScroll struct {
	Header
	Direction string `json:"direction,omitempty"`
	Amount    int    `json:"amount,omitempty"`
	TabID     int    `json:"tab_id,omitempty"`
}

func (c *MouseScroll) Head() *Header  { return &c.Header }
func (c *MouseScroll) TargetTab() int { return c.TabID }

func (c *MouseScroll) Validate() error {
	if c.Direction == "" {
		c.Direction = "down"
	}
	switch c.Direction {
	case "up", "down", "left", "right":
	default:
		return Validationf("direction must be one of up, down, left, right")
	}
	if c.Amount == 0 {
		c.Amount = defaultScroll
	}
	if c.Amount < 1 || c.Amount > maxScrollAmount {
		return Validationf("amount must be within [1, %d]", maxScrollAmount)
	}
	return validTab(c.TabID)
}

type KeyboardType struct {
	Header
	Text  string `json:"text"`
	TabID int    `json:"tab_id,omitempty"`
}

func (c *KeyboardType) Head() *Header  { return &c.Header }
func (c *KeyboardType) TargetTab() int { return c.TabID }

func (c *KeyboardType) Validate() error {
	c.Text = controlChars.ReplaceAllString(c.Text, "")
	if c.Text == "" {
		return Validationf("text is required")
	}
	if utf8.RuneCountInString(c.Text) > maxTextLength {
		return Validationf("text must be at most %d characters", maxTextLength)
	}
	return validTab(c.TabID)
}

type KeyboardPress struct {
	Header
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
	TabID     int      `json:"tab_id,omitempty"`
}

func (c *KeyboardPress) Head() *Header  { return &c.Header }
func (c *KeyboardPress) TargetTab() int { return c.TabID }

func (c *KeyboardPress) Validate() error {
	c.Key = strings.TrimSpace(c.Key)
	if c.Key == "" {
		return Validationf("key is required")
	}
	if len(c.Key) > maxKeyLength {
		return Validationf("key must be at most %d characters", maxKeyLength)
	}
	return validTab(c.TabID)
}

type Screenshot struct {
	Header
	IncludeCursor *bool `json:"include_cursor,omitempty"`
	Quality       int   `json:"quality,omitempty"`
	TabID         int   `json:"tab_id,omitempty"`
}

func (c *Screenshot) Head() *Header  { return &c.Header }
func (c *Screenshot) TargetTab() int { return c.TabID }

func (c *Screenshot) Validate() error {
	if c.Quality == 0 {
		c.Quality = defaultQuality
	}
	if c.Quality < 1 || c.Quality > 100 {
		return Validationf("quality must be within [1, 100]")
	}
	return validTab(c.TabID)
}

// Cursor reports whether the pointer should be painted into the capture.
func (c *Screenshot) Cursor() bool {
	return c.IncludeCursor == nil || *c.IncludeCursor
}

type ResetMouse struct {
	Header
	TabID int `json:"tab_id,omitempty"`
}

func (c *ResetMouse) Head() *Header  { return &c.Header }
func (c *ResetMouse) TargetTab() int { return c.TabID }
func (c *ResetMouse) Validate() error { return validTab(c.TabID) }

type Tab struct {
	Header
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
	TabID  int    `json:"tab_id,omitempty"`
}

func (c *Tab) Head() *Header { return &c.Header }

func (c *Tab) Validate() error {
	switch c.Action {
	case TabInit, TabOpen:
		c.URL = strings.TrimSpace(c.URL)
		if c.URL == "" {
			return Validationf("url is required for %s action", c.Action)
		}
		if !schemeRe.MatchString(c.URL) {
			c.URL = "https://" + c.URL
		}
	case TabSwitch:
		if c.TabID == 0 {
			return Validationf("tab_id is required for switch action")
		}
	case TabClose, TabList, TabRefresh:
	case "":
		return Validationf("action is required")
	default:
		return Validationf("unknown tab action: %s", c.Action)
	}
	return validTab(c.TabID)
}

type GetTabs struct {
	Header
	ManagedOnly bool `json:"managed_only,omitempty"`
}

func (c *GetTabs) Head() *Header   { return &c.Header }
func (c *GetTabs) Validate() error { return nil }

func validTab(id int) error {
	if id < 0 {
		return Validationf("tab_id must be positive")
	}
	return nil
}

// NewCommand returns an empty command value for the given type.
func NewCommand(typ string) (Command, error) {
	switch typ {
	case TypeMouseMove:
		return &MouseMove{}, nil
	case TypeMouseClick:
		return &MouseClick{}, nil
	case TypeMouseScroll:
		return &MouseScroll{}, nil
	case TypeKeyboardType:
		return &KeyboardType{}, nil
	case TypeKeyboardPress:
		return &KeyboardPress{}, nil
	case TypeScreenshot:
		return &Screenshot{}, nil
	case TypeResetMouse:
		return &ResetMouse{}, nil
	case TypeTab:
		return &Tab{}, nil
	case TypeGetTabs:
		return &GetTabs{}, nil
	case "":
		return nil, Validationf("command must have a type field")
	default:
		return nil, Validationf("unknown command type: %s", typ)
	}
}

// ParseCommand decodes and validates a raw command envelope.
func ParseCommand(data []byte) (Command, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, NewError(CodeValidation, "malformed command envelope", err)
	}
	cmd, err := NewCommand(h.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, NewError(CodeValidation, "invalid "+h.Type+" payload", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	cmd.Head().Stamp()
	return cmd, nil
}
