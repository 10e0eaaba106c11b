package stream

import "encoding/json"

// DoneSentinel is the payload of the last data line of a chat stream.
const DoneSentinel = "[DONE]"

const dataPrefix = "data: "

// Frame is one decoded event of the chat stream: either a text delta or the terminal sentinel.
type Frame struct {
	Delta string
	Done  bool
}

type chunk struct {
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Delta chunkDelta `json:"delta"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

func (c chunk) content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// EncodeDelta returns the JSON payload of a data line carrying content, in the shape the Parser reads.
func EncodeDelta(content string) ([]byte, error) {
	return json.Marshal(chunk{
		Choices: []chunkChoice{{Delta: chunkDelta{Content: content}}},
	})
}
