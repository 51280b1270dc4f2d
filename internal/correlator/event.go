package correlator

// EventData is one normalized upstream notification, whether delivered
// by the chat-platform gateway's message stream or synthesized from a
// partner/official backend's poll response.
type EventData struct {
	ID                   string
	AuthorID             string
	Type                 string
	ChannelID            string
	Content              string
	Attachments          []Attachment
	Components           []Component
	InteractionMetadata  *InteractionMetadata
	Flags                int
	ReferencedMessageID  string
	Nonce                string
}

// Attachment is one file attached to a message, typically a rendered
// image.
type Attachment struct {
	URL string
}

// Component is one actionable element on a message (a button or a
// select menu row), carrying the customId grammar the task package
// decodes.
type Component struct {
	CustomID string
}

// InteractionMetadata carries the id a modal two-phase commit polls for.
type InteractionMetadata struct {
	ID string
}
