package domain

// MessageBus routes messages between channels and the bot dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage) bool
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
