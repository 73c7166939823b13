package protocol

// Payloads carried in Response.Data by the agent. The hub decodes the ones
// it post-processes, such as captures it persists.

// PointerResult reports where the pointer ended up, in both frames.
type PointerResult struct {
	TabID int     `json:"tab_id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	TrueX float64 `json:"true_x"`
	TrueY float64 `json:"true_y"`
}

// CaptureResult is a normalised screenshot. ImageData is base64 encoded.
type CaptureResult struct {
	TabID        int       `json:"tab_id"`
	ImageData    string    `json:"image_data"`
	Format       string    `json:"format"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SourceWidth  int       `json:"source_width"`
	SourceHeight int       `json:"source_height"`
	Cursor       *Position `json:"cursor,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TabResult identifies the tab a tab action produced or acted on.
type TabResult struct {
	TabID   int    `json:"tab_id"`
	GroupID int    `json:"group_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// TypingResult reports how much input was delivered.
type TypingResult struct {
	TabID      int    `json:"tab_id"`
	Characters int    `json:"characters,omitempty"`
	Key        string `json:"key,omitempty"`
}
