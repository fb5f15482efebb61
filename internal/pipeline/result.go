// Package pipeline decodes frames concurrently and fans the results out to
// sinks.
package pipeline

import (
	"time"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
)

// Result is the outcome of decoding one frame. Message is nil only when the
// frame was empty; on a record failure it holds the records completed before
// the failure.
type Result struct {
	Frame   *feed.Frame
	Message *asterix.Message
	Err     error
}

// Records returns the decoded records, if any.
func (r Result) Records() []asterix.Record {
	if r.Message == nil {
		return nil
	}
	return r.Message.Records
}

// Decoded is the JSON form of a Result used by the CLI, the API and the NATS
// publisher.
type Decoded struct {
	FrameID  string           `json:"frame_id"`
	Received time.Time        `json:"received"`
	Source   string           `json:"source,omitempty"`
	Hex      string           `json:"hex"`
	Category *int             `json:"category,omitempty"`
	Records  []asterix.Record `json:"records"`
	Error    string           `json:"error,omitempty"`
	Kind     string           `json:"kind,omitempty"`
}

// Decoded converts the result to its JSON form.
func (r Result) Decoded() Decoded {
	d := Decoded{
		FrameID:  r.Frame.ID.String(),
		Received: r.Frame.Received,
		Source:   r.Frame.Source,
		Hex:      r.Frame.Hex(),
		Records:  r.Records(),
	}
	if r.Message != nil {
		cat := r.Message.Category
		d.Category = &cat
	}
	if d.Records == nil {
		d.Records = []asterix.Record{}
	}
	if r.Err != nil {
		d.Error = r.Err.Error()
		d.Kind = asterix.ErrorKind(r.Err)
	}
	return d
}
