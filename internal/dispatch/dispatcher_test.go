package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/entrykit/entrybridge/internal/upload"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/kafka"
)

type fakePublisher struct {
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, event kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func testManifest() upload.Manifest {
	return upload.Manifest{
		{Path: "a.txt", StorageKey: "exports/doc-42/v1/a.txt", ETag: "e1", Size: 10},
		{Path: "b/c.txt", StorageKey: "exports/doc-42/v1/b/c.txt", ETag: "e2", Size: 20},
	}
}

func TestDispatchPublishesOneMessage(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub)

	if err := d.Dispatch(context.Background(), "doc-42", testManifest()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Key != "doc-42" {
		t.Errorf("message key = %q, want doc-42", ev.Key)
	}

	// The payload must preserve manifest order for deterministic
	// downstream processing.
	raw, err := json.Marshal(ev.Value)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if msg.DocumentID != "doc-42" {
		t.Errorf("documentId = %q", msg.DocumentID)
	}
	if len(msg.Objects) != 2 ||
		msg.Objects[0].StorageKey != "exports/doc-42/v1/a.txt" ||
		msg.Objects[1].StorageKey != "exports/doc-42/v1/b/c.txt" {
		t.Errorf("objects = %+v", msg.Objects)
	}
	if msg.DispatchedAt.IsZero() {
		t.Error("dispatchedAt is zero")
	}
}

func TestDispatchFailureIsDispatchError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	d := New(pub)

	err := d.Dispatch(context.Background(), "doc-42", testManifest())
	if !errors.Is(err, apperrors.ErrDispatch) {
		t.Fatalf("error = %v, want ErrDispatch", err)
	}
}
