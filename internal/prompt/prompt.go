package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Default is the system prompt used when no custom prompt file exists.
var Default = `You are a helpful assistant chatting with people through a messaging app.
Keep answers short and conversational, use plain text without markdown and
answer in the same language the user writes in.`

// Load reads the system prompt from the given file. An empty path or a
// missing file yields the default prompt.
func Load(path string) (string, error) {
	if path == "" {
		return Default, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default, nil
	}
	if err != nil {
		return "", fmt.Errorf("prompt: couldn't read %s: %w", path, err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return Default, nil
	}
	return p, nil
}
