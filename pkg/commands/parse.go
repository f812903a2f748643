// Package commands parses values written to the outbound command leaves and
// dispatches them as remote mutating calls.
package commands

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatmirror/pkg/remote"
)

// maxFileBytes bounds the size of a file resolved from disk or URL.
const maxFileBytes = 8 << 20

// SendPayload is the parsed form of a send command value.
type SendPayload struct {
	Content string
	Files   []string
	Embeds  []map[string]any
}

// ParseSend decodes a send value: a raw string wrapped in braces is treated
// as a structured options object and validated, anything else is plain
// message content. Structured payloads must carry content or files.
func ParseSend(raw string) (SendPayload, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		if trimmed == "" {
			return SendPayload{}, errors.New("empty message content")
		}
		return SendPayload{Content: raw}, nil
	}
	opts, err := validateSendOptions(trimmed)
	if err != nil {
		return SendPayload{}, err
	}
	return opts, nil
}

// SplitPipe cuts a two-part command value on the first pipe character.
func SplitPipe(raw string) (left, right string, ok bool) {
	return strings.Cut(raw, "|")
}

// ParseReply decodes a sendReply value. Without a pipe the whole value is
// the content and fallbackID names the replied-to message.
func ParseReply(raw, fallbackID string) (messageID, content string, err error) {
	if left, right, ok := SplitPipe(raw); ok {
		messageID, content = strings.TrimSpace(left), right
	} else {
		messageID, content = fallbackID, raw
	}
	if messageID == "" {
		return "", "", errors.New("no message id given and none mirrored yet")
	}
	if content == "" {
		return "", "", errors.New("empty reply content")
	}
	return messageID, content, nil
}

// ParseReaction decodes a sendReaction value with the same two-part grammar
// as replies; the right side is the emoji identifier.
func ParseReaction(raw, fallbackID string) (messageID, emoji string, err error) {
	if left, right, ok := SplitPipe(raw); ok {
		messageID, emoji = strings.TrimSpace(left), strings.TrimSpace(right)
	} else {
		messageID, emoji = fallbackID, strings.TrimSpace(raw)
	}
	if messageID == "" {
		return "", "", errors.New("no message id given and none mirrored yet")
	}
	if emoji == "" {
		return "", "", errors.New("empty emoji")
	}
	return messageID, emoji, nil
}

// ResolveFile turns a file reference into an upload. Supported forms:
// "base64:<filename>:<data>" for embedded payloads, an http(s) URL, or a
// filesystem path. The basename of a path or URL becomes the display name.
func ResolveFile(ref string) (remote.File, error) {
	if rest, ok := strings.CutPrefix(ref, "base64:"); ok {
		name, data, found := strings.Cut(rest, ":")
		if !found || name == "" {
			return remote.File{}, errors.New("base64 reference needs a filename")
		}
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return remote.File{}, fmt.Errorf("decode base64 payload: %w", err)
		}
		return remote.File{Name: name, Data: decoded}, nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return fetchFile(ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return remote.File{}, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxFileBytes {
		return remote.File{}, fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	}
	return remote.File{Name: filepath.Base(ref), Data: data}, nil
}

func fetchFile(url string) (remote.File, error) {
	resp, err := http.Get(url)
	if err != nil {
		return remote.File{}, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return remote.File{}, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return remote.File{}, fmt.Errorf("fetch file: %w", err)
	}
	if len(data) > maxFileBytes {
		return remote.File{}, fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	}
	name := filepath.Base(strings.TrimRight(url, "/"))
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." {
		name = "file"
	}
	return remote.File{Name: name, Data: data}, nil
}

// Truthy coerces a decoded leaf value to a boolean the way voice command
// leaves expect: booleans as-is, non-zero numbers, and the usual strings.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "on" || s == "yes"
	default:
		return false
	}
}
