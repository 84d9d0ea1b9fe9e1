package queue

import (
	"errors"
	"testing"

	"github.com/splax/statikk/internal/domain"
)

func TestEncodeCommandStart(t *testing.T) {
	headers, err := EncodeCommand(Command{Action: ActionStart, ProjectID: "p1", Repository: "https://example.com/demo.git"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if headers[HeaderAction] != "start" || headers[HeaderRepositoryID] != "p1" || headers[HeaderRepository] != "https://example.com/demo.git" {
		t.Fatalf("unexpected headers %+v", headers)
	}
}

func TestEncodeCommandStopOmitsRepository(t *testing.T) {
	headers, err := EncodeCommand(Command{Action: ActionStop, ProjectID: "p1", Repository: "ignored"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := headers[HeaderRepository]; ok {
		t.Fatalf("stop command must not carry repository: %+v", headers)
	}
}

func TestEncodeCommandRejectsInvalid(t *testing.T) {
	cases := []Command{
		{Action: ActionStart, ProjectID: "p1"},
		{Action: ActionStop},
		{Action: "restart", ProjectID: "p1"},
	}
	for _, cmd := range cases {
		if _, err := EncodeCommand(cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("expected ErrInvalidCommand for %+v, got %v", cmd, err)
		}
	}
}

func TestDecodeEventLog(t *testing.T) {
	ev, err := DecodeEvent(NewDelivery(map[string]string{HeaderRepository: "p1"}, []byte("step 1"), nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventLog || ev.ProjectID != "p1" || string(ev.Payload) != "step 1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeEventStatus(t *testing.T) {
	ev, err := DecodeEvent(NewDelivery(map[string]string{HeaderRepository: "p1", HeaderStatus: "succeeded"}, nil, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventStatus || ev.Stage != domain.StageSucceeded {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	cases := []map[string]string{
		{},
		{HeaderRepository: "  "},
		{HeaderRepository: "p1", HeaderStatus: ""},
		{HeaderRepository: "p1", HeaderStatus: "QUEUED"},
	}
	for _, headers := range cases {
		if _, err := DecodeEvent(NewDelivery(headers, []byte("x"), nil)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent for %+v, got %v", headers, err)
		}
	}
}

func TestDeliveryAckOnce(t *testing.T) {
	calls := 0
	d := NewDelivery(nil, nil, func() error {
		calls++
		return nil
	})
	_ = d.Ack()
	_ = d.Ack()
	if calls != 1 {
		t.Fatalf("expected ack to run once, ran %d times", calls)
	}
}
