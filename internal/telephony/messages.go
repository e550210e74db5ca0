package telephony

// Wire messages of the telephony media stream. The provider multiplexes JSON
// control messages and base64 μ-law audio over one text-framed socket.

// inboundMessage is the union of JSON shapes the provider sends.
type inboundMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`

	// Protocol is set on "connected".
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	// Start is set on "start".
	Start struct {
		CallSid     string `json:"callSid"`
		StreamSid   string `json:"streamSid"`
		AccountSid  string `json:"accountSid"`
		From        string `json:"from"`
		To          string `json:"to"`
		MediaFormat struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`

	// Media is set on "media".
	Media struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`

	// DTMF is set on "dtmf".
	DTMF struct {
		Track string `json:"track"`
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`

	// Mark is set on "mark" (the provider echoing an outbound mark).
	Mark struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`

	// Stop is set on "stop".
	Stop struct {
		CallSid string `json:"callSid"`
	} `json:"stop,omitempty"`

	// SequenceNumber is the provider's own message counter, as a string.
	SequenceNumber string `json:"sequenceNumber,omitempty"`
}

// outboundMedia carries one base64 μ-law payload to the provider.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// outboundClear asks the provider to flush its buffered outbound audio.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// outboundMark inserts a named pacing mark; the provider echoes it back after
// playing all audio queued before it.
type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}
