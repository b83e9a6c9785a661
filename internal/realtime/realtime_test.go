package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestMemoryDeliverAndUnsubscribe(t *testing.T) {
	m := NewMemory()
	var got []string
	unsub := m.Subscribe(EventExamStarted, func(data json.RawMessage) {
		c, err := Decode[Control](data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, c.ExamID)
	})

	_ = m.Deliver(EventExamStarted, Control{ExamID: "e1"})
	unsub()
	unsub()
	_ = m.Deliver(EventExamStarted, Control{ExamID: "e2"})

	if len(got) != 1 || got[0] != "e1" {
		t.Fatalf("expected only e1, got %v", got)
	}
	if m.Subscribers("") != 0 {
		t.Fatalf("expected no subscribers left, got %d", m.Subscribers(""))
	}
}

func TestMemoryRecordsEmissions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Emit(ctx, EventJoinExam, JoinExam{ExamID: "e1", StudentID: "s1"})
	_ = m.Emit(ctx, EventLeaveExam, LeaveExam{ExamID: "e1"})

	joins := m.Sent(EventJoinExam)
	if len(joins) != 1 {
		t.Fatalf("expected one join, got %d", len(joins))
	}
	j, _ := Decode[JoinExam](joins[0].Data)
	if j.StudentID != "s1" {
		t.Fatalf("unexpected join payload: %+v", j)
	}

	_ = m.Close()
	if err := m.Emit(ctx, EventLeaveExam, LeaveExam{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribeDuringDispatch(t *testing.T) {
	m := NewMemory()
	calls := 0
	var unsub func()
	unsub = m.Subscribe(EventExamClosed, func(json.RawMessage) {
		calls++
		unsub()
	})
	_ = m.Deliver(EventExamClosed, Control{})
	_ = m.Deliver(EventExamClosed, Control{})
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
}

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	received := make(chan Envelope, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = WriteEvent(ws, EventExamStarted, Control{ExamID: "exam-1"})
		for {
			var env Envelope
			if err := ReadJSON(ws, &env); err != nil {
				return
			}
			received <- env
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan Control, 1)
	conn, err := Dial(ctx, url, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Subscribe(EventExamStarted, func(data json.RawMessage) {
		c, _ := Decode[Control](data)
		started <- c
	})

	if err := conn.Emit(ctx, EventJoinExam, JoinExam{ExamID: "exam-1", StudentID: "s1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != EventJoinExam {
			t.Fatalf("expected join_exam, got %s", env.Event)
		}
		j, _ := Decode[JoinExam](env.Data)
		if j.StudentID != "s1" {
			t.Fatalf("unexpected payload %+v", j)
		}
	case <-ctx.Done():
		t.Fatalf("server never received join_exam")
	}

	// The server pushes exam_started right after upgrade; the subscription may have been
	// registered after it arrived, so only assert delivery when it did arrive.
	select {
	case c := <-started:
		if c.ExamID != "exam-1" {
			t.Fatalf("unexpected control payload %+v", c)
		}
	case <-time.After(200 * time.Millisecond):
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not exit after close")
	}
	if err := conn.Emit(context.Background(), EventLeaveExam, LeaveExam{}); err == nil {
		t.Fatalf("expected emit after close to fail")
	}
}

func TestQuietConnStaysOpen(t *testing.T) {
	prevRead, prevPing := readTimeout, pingPeriod
	readTimeout, pingPeriod = 300*time.Millisecond, 50*time.Millisecond

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(serverDone)
		defer ws.Close()
		KeepReadDeadline(ws)
		for {
			var env Envelope
			if err := ReadJSON(ws, &env); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := Dial(context.Background(), url, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case <-conn.Done():
		t.Fatalf("expected the client to outlive its read timeout while idle")
	case <-serverDone:
		t.Fatalf("expected the server to outlive its read timeout while idle")
	case <-time.After(time.Second):
	}

	_ = conn.Close()
	<-conn.Done()
	<-serverDone
	readTimeout, pingPeriod = prevRead, prevPing
}
