package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/yansir/grok-relay/internal/openai"
)

// The upstream answers with newline-delimited JSON events. Token events
// carry incremental text; the terminal event carries the assembled model
// response with token accounting.

type streamEvent struct {
	Result struct {
		Response struct {
			Token         string         `json:"token"`
			IsThinking    bool           `json:"isThinking"`
			ModelResponse *modelResponse `json:"modelResponse"`
		} `json:"response"`
		Error *upstreamError `json:"error"`
	} `json:"result"`
	Error *upstreamError `json:"error"`
}

type modelResponse struct {
	Message        string       `json:"message"`
	ResponseID     string       `json:"responseId"`
	ParentResponseID string     `json:"parentResponseId"`
	FinishReason   string       `json:"finishReason"`
	ThinkingTrace  string       `json:"thinkingTrace"`
	NumSourcesUsed int          `json:"numSourcesUsed"`
	Usage          *openai.Usage `json:"usage"`
}

type upstreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StreamResult is the normalized product of one completed upstream stream.
type StreamResult struct {
	Content        string
	Reasoning      string
	FinishReason   string
	ResponseID     string
	PreviousResponseID string
	NumSourcesUsed int
	Usage          openai.Usage
	Raw            string
	ErrMessage     string
}

// ConsumeStream reads NDJSON events until EOF, invoking onToken for each
// visible token as it arrives. Only one completed message is held in
// memory at a time. A nil onToken buffers silently.
func ConsumeStream(r io.Reader, onToken func(string) error) (*StreamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line

	result := &StreamResult{FinishReason: "stop"}
	var content, reasoning strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		if e := firstError(&event); e != nil {
			result.ErrMessage = e.Message
			continue
		}

		resp := &event.Result.Response
		if resp.Token != "" {
			if resp.IsThinking {
				reasoning.WriteString(resp.Token)
			} else {
				content.WriteString(resp.Token)
				if onToken != nil {
					if err := onToken(resp.Token); err != nil {
						return result, err
					}
				}
			}
		}

		if mr := resp.ModelResponse; mr != nil {
			if mr.Message != "" {
				content.Reset()
				content.WriteString(mr.Message)
			}
			if mr.ThinkingTrace != "" {
				reasoning.Reset()
				reasoning.WriteString(mr.ThinkingTrace)
			}
			if mr.FinishReason != "" {
				result.FinishReason = mr.FinishReason
			}
			result.ResponseID = mr.ResponseID
			result.PreviousResponseID = mr.ParentResponseID
			result.NumSourcesUsed = mr.NumSourcesUsed
			if mr.Usage != nil {
				result.Usage = *mr.Usage
			}
			raw, _ := json.Marshal(mr)
			result.Raw = string(raw)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, err
	}

	result.Content = content.String()
	result.Reasoning = reasoning.String()
	if result.Usage.TotalTokens == 0 {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}

func firstError(e *streamEvent) *upstreamError {
	if e.Error != nil {
		return e.Error
	}
	return e.Result.Error
}
