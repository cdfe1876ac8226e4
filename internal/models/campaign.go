package models

// Contact is one row of the merge source. Every contact carries an opaque
// unique ID and an email address; all remaining fields are merge data.
type Contact struct {
	ID     string            `json:"id"`
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns the merge value for a field name. The id and email columns
// are addressable like any other merge field.
func (c Contact) Field(name string) (string, bool) {
	switch name {
	case "id":
		return c.ID, true
	case "email":
		return c.Email, true
	}
	v, ok := c.Fields[name]
	return v, ok
}

// Template is a message template with optional Subject/To header lines and
// {{variable}} placeholders in the body.
type Template struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Content   string   `json:"content"`
	Variables []string `json:"variables"`
}

// Attachment is the file attached to every created draft.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

type ContactStatus string

const (
	StatusPending    ContactStatus = "pending"
	StatusProcessing ContactStatus = "processing"
	StatusCompleted  ContactStatus = "completed"
	StatusFailed     ContactStatus = "failed"
)

// Terminal reports whether the status is an end state for a dispatch run.
func (s ContactStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingResult tracks one contact through one dispatch run. Status only
// moves forward: pending -> processing -> completed/failed. The one sanctioned
// backward-looking mutation is the attachment phase downgrading a completed
// result to failed when its upload fails.
type ProcessingResult struct {
	ContactID string        `json:"contact_id"`
	Status    ContactStatus `json:"status"`
	MessageID string        `json:"message_id,omitempty"`
	ErrorMsg  string        `json:"error_msg,omitempty"`
}
