// Package server defines the line protocol's prompts and notices along with
// small helpers shared by sessions, rooms and transports.
package server

import (
	"errors"
	"net"
	"strings"

	"github.com/Tyrowin/relaychat/internal/framing"
)

// Prompts end without a newline so the client can answer on the same line.
const (
	promptAuthChoice = "Do you want to log in or sign up?\nPress 1 to Log In or 2 to Sign Up: "
	promptUsername   = "Enter Username: "
	promptPassword   = "Enter Password: "
	promptSignUp     = "If you don't have an account, please try signing up!\nTo sign up press 1, or press Enter to try again: "
	promptRoomChoice = "Do you want to create a room or join an existing room?\nPress 1 to Create Room or 2 to Join Room: "
	promptCreateRoom = "Enter room name to create: "
	promptJoinRoom   = "Enter room name to join: "
)

// Notices are complete lines.
const (
	msgInvalidAuthChoice   = "Invalid choice. Disconnecting...\n"
	msgInvalidCredentials  = "Invalid credentials. Try again.\n"
	msgEmptyCredentials    = "Username and password cannot be empty.\n"
	msgUsernameTaken       = "Username already taken.\n"
	msgTooManyAttempts     = "Too many failed login attempts. Disconnecting...\n"
	msgInvalidRoomChoice   = "Invalid choice. Please enter 1 to create a room or 2 to join a room.\n"
	msgInvalidRoomName     = "Invalid room name.\n"
	msgRoomExists          = "Room already exists. Please choose a different name.\n"
	msgRoomNotFound        = "Chat room does not exist.\n"
	msgRateLimited         = "Rate limit exceeded; message dropped.\n"
	msgServerError         = "Server error, please try again later.\n"
	msgInvalidUsername     = "Invalid username.\n"
	exitCommand            = "!exit"
	maxRoomNameLength      = 64
	maxUsernameLength      = 32
	leaveAnnouncementLabel = "%s has left the chat."
)

// formatChatLine renders a live broadcast line.
func formatChatLine(author, text string) string {
	return author + ": " + text + "\n"
}

// validName rejects empty names, names longer than limit and names containing
// control characters.
func validName(name string, limit int) bool {
	if name == "" || len(name) > limit {
		return false
	}
	return !strings.ContainsFunc(name, func(r rune) bool {
		return r < 0x20 || r == 0x7f
	})
}

// isDisconnect reports whether err means the peer went away.
func isDisconnect(err error) bool {
	return framing.IsDisconnect(err) || isExpectedCloseError(err)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}
