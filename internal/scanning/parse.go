package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codeReadPrompt is the shared prompt used by all LLM providers for reading QR codes
const codeReadPrompt = `You are looking at a photo that may contain a QR code. Decode the QR code and report the exact text it encodes.

Return ONLY valid JSON in this exact format:
{
  "found": true,
  "text": "exact decoded payload"
}

Important:
- Copy the payload character for character, including symbols such as "$" and ":"
- Do not describe the image or add any interpretation
- If there is no QR code, or it cannot be read, return {"found": false, "text": ""}
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

type codeReading struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// parseCodeJSON parses the model's JSON answer into the decoded payload
func parseCodeJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if strings.EqualFold(text, "none") {
		return "", ErrNoCode
	}

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	var reading codeReading
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &reading); err != nil {
		return "", fmt.Errorf("unmarshaling json: %w", err)
	}

	// Payloads are single-line; models sometimes pad them with whitespace
	payload := strings.TrimSpace(reading.Text)
	if !reading.Found || payload == "" {
		return "", ErrNoCode
	}
	return payload, nil
}
