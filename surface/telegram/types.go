package telegram

// Bot API wire types, limited to the fields the surface reads.

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID int64       `json:"message_thread_id,omitempty"`
	From            *user       `json:"from,omitempty"`
	Chat            chat        `json:"chat"`
	Date            int64       `json:"date"`
	Text            string      `json:"text,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	Document        *document   `json:"document,omitempty"`
	Photo           []photoSize `json:"photo,omitempty"`
	ReplyToMessage  *message    `json:"reply_to_message,omitempty"`
}

type chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"` // "private", "group", "supergroup", "channel"
	IsForum bool   `json:"is_forum,omitempty"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type photoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// fileRef is the getFile result: the path half of a download URL.
type fileRef struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
}

// forumTopic is the createForumTopic result; MessageThreadID becomes the
// thread's topic id.
type forumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}
