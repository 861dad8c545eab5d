package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback actions carried in inline button data.
const (
	ActionMainMenu   = "menu:main"
	ActionModeration = "menu:moderation"

	ActionStart    = "mod:start"
	ActionContinue = "mod:continue"
	ActionRestart  = "mod:restart"
	ActionExit     = "mod:exit"

	ActionPublish = "post:publish"
	ActionSkip    = "post:skip"
	ActionRewrite = "post:rewrite"
	ActionDecline = "post:decline"

	ActionRetryRewrite  = "rw:retry"
	ActionCancelRewrite = "rw:cancel"

	ActionSources      = "src:list"
	ActionSourceAdd    = "src:add"
	ActionSourceRemove = "src:remove"

	ActionMonitorStart = "mon:start"
	ActionMonitorStop  = "mon:stop"
)

var knownActions = map[string]bool{
	ActionMainMenu: true, ActionModeration: true,
	ActionStart: true, ActionContinue: true, ActionRestart: true, ActionExit: true,
	ActionRetryRewrite: true, ActionCancelRewrite: true,
	ActionSources: true, ActionSourceAdd: true, ActionSourceRemove: true,
	ActionMonitorStart: true, ActionMonitorStop: true,
}

var postActions = map[string]bool{
	ActionPublish: true, ActionSkip: true, ActionRewrite: true, ActionDecline: true,
}

// Callback is decoded inline button data. PostID is set for post actions.
type Callback struct {
	Action string
	PostID int64
}

// PostCallback encodes a post action for postID.
func PostCallback(action string, postID int64) string {
	return action + ":" + strconv.FormatInt(postID, 10)
}

// ParseCallback decodes button data.
func ParseCallback(data string) (Callback, error) {
	if knownActions[data] {
		return Callback{Action: data}, nil
	}
	i := strings.LastIndexByte(data, ':')
	if i < 0 || !postActions[data[:i]] {
		return Callback{}, fmt.Errorf("unknown callback %q", data)
	}
	id, err := strconv.ParseInt(data[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return Callback{}, fmt.Errorf("bad post id in callback %q", data)
	}
	return Callback{Action: data[:i], PostID: id}, nil
}
