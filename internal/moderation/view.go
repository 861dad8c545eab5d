package moderation

import "github.com/bryan-buckman/newsrelay/internal/model"

// ViewKind tells the transport which screen to render.
type ViewKind int

const (
	// ViewMenu is the moderation entry screen with the active post count.
	ViewMenu ViewKind = iota
	// ViewPost shows the served post with its action buttons.
	ViewPost
	// ViewCollision offers continue or restart of an existing session.
	ViewCollision
	// ViewAwaitInstruction asks for a free-form rewrite instruction.
	ViewAwaitInstruction
	// ViewRewriteFailed offers retry or resume after a failed rewrite.
	ViewRewriteFailed
	// ViewMissing reports that the acted-on post no longer exists.
	ViewMissing
	// ViewExhausted reports that every post in the session was handled.
	ViewExhausted
)

func (k ViewKind) String() string {
	switch k {
	case ViewMenu:
		return "menu"
	case ViewPost:
		return "post"
	case ViewCollision:
		return "collision"
	case ViewAwaitInstruction:
		return "await_instruction"
	case ViewRewriteFailed:
		return "rewrite_failed"
	case ViewMissing:
		return "missing"
	case ViewExhausted:
		return "exhausted"
	}
	return "unknown"
}

// View is everything the transport needs to render one moderator screen.
type View struct {
	Kind ViewKind
	Post *model.Post

	// Index is the zero-based cursor and Total the snapshot size.
	Index int
	Total int

	// Pending is the number of active posts, shown on the menu.
	Pending int
	// Resumable is set on the menu when a live session exists.
	Resumable bool

	Notice string
}

// Position returns the one-based position of the served post.
func (v View) Position() int {
	return v.Index + 1
}
