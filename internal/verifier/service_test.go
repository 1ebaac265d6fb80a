package verifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/keyvox-labs/keyvox-core/internal/bus"
	"github.com/keyvox-labs/keyvox-core/internal/config"
	"github.com/keyvox-labs/keyvox-core/internal/protocol"
)

// startTestService runs the full request/reply surface against an in-process
// NATS server and returns a client connection for issuing requests.
func startTestService(t *testing.T, emb Embedder) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busCfg := config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), busCfg, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	w, _ := newTestWorkflow(t, emb)
	svc := NewService(context.Background(), client, w, nil, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect requester: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func request[T any](t *testing.T, nc *nats.Conn, subject string, payload []byte) T {
	t.Helper()
	msg, err := nc.Request(subject, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var resp T
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode %s reply: %v", subject, err)
	}
	return resp
}

func TestServiceRegisterAndCheckEnrollmentOverBus(t *testing.T) {
	nc := startTestService(t, &scriptedEmbedder{vec: []float32{1, 0, 0, 0}})

	reg, _ := json.Marshal(protocol.RegisterRequest{Username: "alice", Password: "secret"})
	status := request[protocol.StatusResponse](t, nc, protocol.SubjectRegister, reg)
	if !status.OK {
		t.Fatalf("register failed: %+v", status)
	}

	status = request[protocol.StatusResponse](t, nc, protocol.SubjectRegister, reg)
	if status.OK || status.Code != protocol.CodeConflict {
		t.Fatalf("duplicate register = %+v, want conflict", status)
	}

	check, _ := json.Marshal(protocol.CheckEnrollmentRequest{Username: "alice"})
	enr := request[protocol.CheckEnrollmentResponse](t, nc, protocol.SubjectCheckEnrollment, check)
	if enr.Enrolled {
		t.Fatal("enrolled before any voiceprint exists")
	}
	if enr.Code != "" {
		t.Fatalf("negative result carries code %q, want none", enr.Code)
	}
}

func TestServiceRejectsMalformedCheckEnrollment(t *testing.T) {
	nc := startTestService(t, &scriptedEmbedder{vec: []float32{1, 0, 0, 0}})

	enr := request[protocol.CheckEnrollmentResponse](t, nc, protocol.SubjectCheckEnrollment, []byte("{not json"))
	if enr.Enrolled {
		t.Fatal("malformed request reported as enrolled")
	}
	if enr.Code != protocol.CodeInvalidInput {
		t.Fatalf("code = %q, want %q", enr.Code, protocol.CodeInvalidInput)
	}
	if enr.Message == "" {
		t.Fatal("malformed request reply carries no message")
	}
}

func TestServiceVerifyRejectsUnknownUser(t *testing.T) {
	nc := startTestService(t, &scriptedEmbedder{vec: []float32{1, 0, 0, 0}})

	req, _ := json.Marshal(protocol.VerifyRequest{Username: "ghost", Audio: toneWAV(t, 2, 0.5)})
	resp := request[protocol.VerifyResponse](t, nc, protocol.SubjectVerify, req)
	if resp.Accepted {
		t.Fatal("unknown user accepted")
	}
	if resp.Code != protocol.CodeNotFound {
		t.Fatalf("code = %q, want %q", resp.Code, protocol.CodeNotFound)
	}
}
