package hub

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"wharf/pkg/protocol"
)

// boardMarker prefixes the agent's out-of-band control lines. The rest of
// the line is a JSON object with "verb" and "target" fields.
const boardMarker = "[WHARF-BOARD]"

// sessionMarker prefixes the line on which the agent announces its own
// conversation id, recorded as the session's upstream id.
const sessionMarker = "[WHARF-SESSION]"

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening on[^0-9]*:(\d{2,5})`),
	regexp.MustCompile(`(?i)https?://localhost:(\d{2,5})`),
	regexp.MustCompile(`(?i)https?://127\.0\.0\.1:(\d{2,5})`),
}

// promptPatterns match agent confirmation prompts. Checked per line
// against ANSI-stripped text.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you want to`),
	regexp.MustCompile(`(?i)\(y/n\)`),
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)press enter to continue`),
	regexp.MustCompile(`(?i)proceed\?`),
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// detection is what scanning one chunk of output yielded.
type detection struct {
	ports      []int
	boards     []protocol.BoardCommandPayload
	upstreamID string
	prompt     string
}

// boardLine is the JSON shape after the board marker.
type boardLine struct {
	Verb   protocol.BoardVerb `json:"verb"`
	Target string             `json:"target"`
}

// scanOutput inspects decoded output lines for ports, board commands, the
// upstream session announcement, and confirmation prompts. Unknown board
// verbs are dropped here and never reach clients.
func scanOutput(sessionID string, text string) detection {
	var d detection
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(stripANSI(raw))
		if line == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, sessionMarker); ok {
			d.upstreamID = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(line, boardMarker); ok {
			var bl boardLine
			if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &bl); err != nil {
				continue
			}
			if !bl.Verb.Valid() {
				continue
			}
			d.boards = append(d.boards, protocol.BoardCommandPayload{
				SessionID: sessionID,
				Verb:      bl.Verb,
				Target:    bl.Target,
			})
			continue
		}

		for _, re := range portPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port < 65536 {
					d.ports = append(d.ports, port)
				}
			}
		}
		if d.prompt == "" {
			for _, re := range promptPatterns {
				if m := re.FindString(line); m != "" {
					d.prompt = m
					break
				}
			}
		}
	}
	return d
}
