package example

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
)

// Label has no constants, so it is a plain string type.
type Label string

type Snapshot struct {
	Phase Phase
	Label Label
}

type Envelope struct {
	Type    MessageType
	Payload string
}

func bad() {
	s := &Snapshot{}
	s.Phase = "running" // want "enum field Phase assigned string literal"

	_ = Envelope{Type: "video", Payload: "hi"} // want "enum field Type assigned string literal"
}

func good() {
	s := &Snapshot{}
	s.Phase = PhaseProcessing // OK: using constant
	s.Label = "anything"      // OK: not an enum

	_ = Envelope{Type: MessageTypeText, Payload: "hi"}
}

func alsoGood() {
	// OK: Variable, not literal
	phase := PhaseIdle
	s := &Snapshot{Phase: phase}
	_ = s
}
