package bus

import (
	"testing"

	"omnimap/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	if !b.Publish(domain.InboundMessage{Channel: "telegram", ChatID: 1, Content: "hi"}) {
		t.Fatal("publish failed")
	}
	msg := <-b.Subscribe()
	if msg.Content != "hi" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestInMemoryBus_Outbound(t *testing.T) {
	b := New(1, testLogger())
	var got domain.OutboundMessage
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { got = m })
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: 5, Content: "pong"})
	b.SendOutbound(domain.OutboundMessage{Channel: "unknown", Content: "lost"})
	if got.ChatID != 5 || got.Content != "pong" {
		t.Errorf("outbound = %+v", got)
	}
}

func TestInMemoryBus_Closed(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()
	if b.Publish(domain.InboundMessage{Channel: "telegram"}) {
		t.Error("publish succeeded on closed bus")
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Error("subscribe channel should be closed")
	}
}
