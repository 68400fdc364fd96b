package contextkeys

import "context"

type messageTypeKey struct{}
type senderKey struct{}
type callbackDataKey struct{}

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeCommand     MessageType = "command"
	MessageTypeClickButton MessageType = "clickButton"
	MessageTypeUnknown     MessageType = "unknown"
)

// Sender identifies the chat user behind an update.
type Sender struct {
	TelegramID int64
	ChatID     int64
	Username   string
	FirstName  string
}

func WithMessageType(ctx context.Context, msgType MessageType) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, msgType)
}

func GetMessageType(ctx context.Context) (MessageType, bool) {
	v, ok := ctx.Value(messageTypeKey{}).(MessageType)
	if !ok {
		return MessageTypeUnknown, false
	}
	return v, true
}

func WithSender(ctx context.Context, s Sender) context.Context {
	return context.WithValue(ctx, senderKey{}, s)
}

func GetSender(ctx context.Context) (Sender, bool) {
	v, ok := ctx.Value(senderKey{}).(Sender)
	return v, ok
}

func WithCallbackData(ctx context.Context, data string) context.Context {
	return context.WithValue(ctx, callbackDataKey{}, data)
}

func GetCallbackData(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callbackDataKey{}).(string)
	return v, ok
}
