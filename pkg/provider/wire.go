package provider

// Upstream wire formats. Only the fields callopt reads or sets are modeled.

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is an OpenAI-compatible /v1/chat/completions request.
type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens *int      `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// messagesRequest is an Anthropic /v1/messages request.
type messagesRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}
