package bus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func sampleEnvelope(id string) *Envelope {
	return &Envelope{
		Id:            id,
		Ts:            1000,
		Topic:         TopicMemory,
		Actor:         cit.UserId("user_01"),
		Device:        cit.DeviceId("dev_01"),
		Space:         cit.NewPersonalSpace(cit.UserId("user_01")),
		Band:          cit.BandGreen,
		PolicyVersion: "pv1",
		VC:            cit.NewVectorClock(),
		Payload:       []byte("hello"),
	}
}

func TestPublishRejectsIncompleteEnvelope(t *testing.T) {
	b := newTestBus(t)
	env := sampleEnvelope("evt_1")
	env.Actor = ""
	err := b.Publish(context.Background(), env)
	if !corerr.Is(err, corerr.KindEnvelopeInvalid) {
		t.Fatalf("expected envelope-invalid error, got %v", err)
	}
}

func TestPollReturnsMessagesInPublishOrder(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	space := cit.NewPersonalSpace(cit.UserId("user_01"))

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		env := sampleEnvelope(id)
		env.Space = space
		if err := b.Publish(ctx, env); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}

	deliveries, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
	for i, want := range []string{"evt_1", "evt_2", "evt_3"} {
		if deliveries[i].Envelope.Id != want {
			t.Fatalf("delivery %d: expected %s, got %s", i, want, deliveries[i].Envelope.Id)
		}
	}
}

func TestAckAdvancesOffsetPastSeen(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	space := cit.NewPersonalSpace(cit.UserId("user_01"))

	env := sampleEnvelope("evt_1")
	env.Space = space
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deliveries, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Poll: %v / %d", err, len(deliveries))
	}
	if err := b.Ack(ctx, TopicMemory, space, "group-a", deliveries[0].Seq); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	again, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil {
		t.Fatalf("Poll after ack: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery after ack, got %d", len(again))
	}
}

func TestNackRedeliversUntilDLQ(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	space := cit.NewPersonalSpace(cit.UserId("user_01"))

	env := sampleEnvelope("evt_1")
	env.Space = space
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deliveries, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Poll: %v / %d", err, len(deliveries))
	}
	seq := deliveries[0].Seq

	// maxRetries is 2: first two Nacks should keep the message pending.
	for i := 0; i < 2; i++ {
		if err := b.Nack(ctx, TopicMemory, space, "group-a", seq, "handler failed", 2000); err != nil {
			t.Fatalf("Nack %d: %v", i, err)
		}
		redelivered, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
		if err != nil || len(redelivered) != 1 {
			t.Fatalf("expected redelivery after nack %d, got %d items / err %v", i, len(redelivered), err)
		}
	}

	// Third nack exceeds maxRetries: message should move to DLQ and offset advances.
	if err := b.Nack(ctx, TopicMemory, space, "group-a", seq, "handler failed again", 3000); err != nil {
		t.Fatalf("final Nack: %v", err)
	}
	redelivered, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil {
		t.Fatalf("Poll after DLQ: %v", err)
	}
	if len(redelivered) != 0 {
		t.Fatalf("expected no redelivery once dead-lettered, got %d", len(redelivered))
	}

	dead, err := b.DeadLettered(ctx, "group-a")
	if err != nil {
		t.Fatalf("DeadLettered: %v", err)
	}
	if len(dead) != 1 || dead[0] != seq {
		t.Fatalf("expected seq %d dead-lettered, got %v", seq, dead)
	}
}

func TestConsumerGroupsHaveIndependentOffsets(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	space := cit.NewPersonalSpace(cit.UserId("user_01"))

	env := sampleEnvelope("evt_1")
	env.Space = space
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	a, err := b.Poll(ctx, TopicMemory, space, "group-a", 10)
	if err != nil || len(a) != 1 {
		t.Fatalf("Poll group-a: %v / %d", err, len(a))
	}
	if err := b.Ack(ctx, TopicMemory, space, "group-a", a[0].Seq); err != nil {
		t.Fatalf("Ack group-a: %v", err)
	}

	b2, err := b.Poll(ctx, TopicMemory, space, "group-b", 10)
	if err != nil {
		t.Fatalf("Poll group-b: %v", err)
	}
	if len(b2) != 1 {
		t.Fatalf("expected group-b to still see the message, got %d", len(b2))
	}
}
