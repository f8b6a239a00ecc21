package transcript

import "strings"

// Alternative is one ranked hypothesis for a recognized segment.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type Channel struct {
	Alternatives []Alternative `json:"alternatives"`
}

type Metadata struct {
	RequestID string `json:"request_id,omitempty"`
	ModelUUID string `json:"model_uuid,omitempty"`
}

// Event is a single recognition result relayed to viewers. The JSON shape
// follows the Deepgram live results message so browser clients can read
// channel.alternatives[0].transcript regardless of the backend.
type Event struct {
	Type         string   `json:"type"`
	ChannelIndex []int    `json:"channel_index,omitempty"`
	Duration     float64  `json:"duration"`
	Start        float64  `json:"start"`
	IsFinal      bool     `json:"is_final"`
	SpeechFinal  bool     `json:"speech_final"`
	FromFinalize bool     `json:"from_finalize,omitempty"`
	Channel      Channel  `json:"channel"`
	Metadata     Metadata `json:"metadata"`
}

// Text returns the best alternative, or "" when there is none.
func (e Event) Text() string {
	if len(e.Channel.Alternatives) == 0 {
		return ""
	}
	return e.Channel.Alternatives[0].Transcript
}

// Completed reports whether the event closes an utterance with non-empty text.
func (e Event) Completed() bool {
	return e.IsFinal && e.SpeechFinal && strings.TrimSpace(e.Text()) != ""
}

// NewFinal builds a finalized single-alternative event.
func NewFinal(text string) Event {
	return Event{
		Type:         "Results",
		ChannelIndex: []int{0, 1},
		IsFinal:      true,
		SpeechFinal:  true,
		Channel:      Channel{Alternatives: []Alternative{{Transcript: text, Confidence: 1}}},
	}
}

// Envelope is the frame written to viewer sockets.
type Envelope struct {
	Type string `json:"type"`
	Data *Event `json:"data"`
}

const EnvelopeTypeTranscription = "transcription"

func Wrap(ev *Event) Envelope {
	return Envelope{Type: EnvelopeTypeTranscription, Data: ev}
}
