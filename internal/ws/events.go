package ws

// Inbound event names.
const (
	EventFindMatch   = "findMatch"
	EventCancelMatch = "cancelMatch"
	EventGameAction  = "gameAction"
	EventSendMessage = "sendMessage"
	EventJoinChannel = "joinChannel"
)

// Outbound event names.
const (
	EventMatchFound       = "matchFound"
	EventMatchCancelled   = "matchCancelled"
	EventMatchmakingError = "matchmakingError"
	EventGameStateUpdate  = "gameStateUpdate"
	EventGameError        = "gameError"
	EventChatHistory      = "chatHistory"
	EventNewMessage       = "newMessage"
	EventChatError        = "chatError"
)
