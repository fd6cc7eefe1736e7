package events

import "regexp"

var fileChangeCommands = regexp.MustCompile(
	`(?i)\b(touch|mkdir|rm|rmdir|mv|cp|git\s+clone|git\s+checkout|` +
		`git\s+pull|wget|curl\s+-[oO]|unzip|tar|npm\s+init|pip\s+install|` +
		`npx|create-react-app|tee|dd|install)\b`)

var fileChangeTypes = map[string]struct{}{
	"FileWriteAction":       {},
	"FileWriteObservation":  {},
	"FileEditAction":        {},
	"FileEditObservation":   {},
	"FileCreateAction":      {},
	"FileCreateObservation": {},
	"FileDeleteAction":      {},
	"FileDeleteObservation": {},
}

// ChangesWorkspace reports whether the event implies the workspace tree may
// have changed, either by its type or by a file-mutating shell command.
func (e Event) ChangesWorkspace() bool {
	if _, ok := fileChangeTypes[e.Type]; ok {
		return true
	}
	cmd := e.Command
	if cmd == "" {
		cmd = e.Content
	}
	return cmd != "" && fileChangeCommands.MatchString(cmd)
}
