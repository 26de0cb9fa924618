package admin

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/rpc/v2/json2"

	"mania-rpc/message"
)

type fakeSession struct {
	method string
	params []any
	result any
	err    error
}

func (s *fakeSession) Call(ctx context.Context, method string, params ...any) (any, error) {
	s.method = method
	s.params = params
	return s.result, s.err
}

type fakeFetcher struct {
	fetched []uint64
	random  uint64
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, id uint64) error {
	f.fetched = append(f.fetched, id)
	return f.err
}

func (f *fakeFetcher) FetchRandom(ctx context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.fetched = append(f.fetched, f.random)
	return f.random, nil
}

func newTestServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	h, err := NewHandler(svc)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, url, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestAdminCallForwards(t *testing.T) {
	sess := &fakeSession{result: map[string]any{"Code": 4, "Name": "Running - Play"}}
	srv := newTestServer(t, NewService(sess, nil, nil))

	var reply CallReply
	err := call(t, srv.URL, "Admin.Call", &CallArgs{Method: "GetMapList", Params: []any{10, 0, 1.5}}, &reply)
	if err != nil {
		t.Fatal(err)
	}
	if sess.method != "GetMapList" {
		t.Fatalf("forwarded %q", sess.method)
	}
	if len(sess.params) != 3 || sess.params[0] != 10 || sess.params[1] != 0 || sess.params[2] != 1.5 {
		t.Fatalf("params not normalized: %#v", sess.params)
	}
	status, ok := reply.Result.(map[string]any)
	if !ok || status["Name"] != "Running - Play" {
		t.Fatalf("unexpected result %#v", reply.Result)
	}
}

func TestAdminCallFault(t *testing.T) {
	sess := &fakeSession{err: &message.Fault{Code: -1000, String: "Not in script mode."}}
	srv := newTestServer(t, NewService(sess, nil, nil))

	var reply CallReply
	err := call(t, srv.URL, "Admin.Call", &CallArgs{Method: "TriggerModeScriptEvent"}, &reply)
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		t.Fatalf("expect json2 error, got %v", err)
	}
	if jerr.Message != "Not in script mode." {
		t.Fatalf("unexpected message %q", jerr.Message)
	}
}

func TestAdminCallRequiresMethod(t *testing.T) {
	srv := newTestServer(t, NewService(&fakeSession{}, nil, nil))

	var reply CallReply
	err := call(t, srv.URL, "Admin.Call", &CallArgs{}, &reply)
	var jerr *json2.Error
	if !errors.As(err, &jerr) || jerr.Code != json2.E_BAD_PARAMS {
		t.Fatalf("expect bad params, got %v", err)
	}
}

func TestAdminQueueMap(t *testing.T) {
	f := &fakeFetcher{random: 555}
	srv := newTestServer(t, NewService(&fakeSession{}, f, nil))

	var reply QueueMapReply
	if err := call(t, srv.URL, "Admin.QueueMap", &QueueMapArgs{TrackID: 42}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.TrackID != 42 {
		t.Fatalf("expect 42, got %d", reply.TrackID)
	}

	if err := call(t, srv.URL, "Admin.QueueMap", &QueueMapArgs{}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.TrackID != 555 {
		t.Fatalf("expect random id 555, got %d", reply.TrackID)
	}
	if len(f.fetched) != 2 || f.fetched[0] != 42 || f.fetched[1] != 555 {
		t.Fatalf("unexpected fetches %v", f.fetched)
	}
}

func TestAdminQueueMapDisabled(t *testing.T) {
	srv := newTestServer(t, NewService(&fakeSession{}, nil, nil))

	var reply QueueMapReply
	if err := call(t, srv.URL, "Admin.QueueMap", &QueueMapArgs{TrackID: 1}, &reply); err == nil {
		t.Fatal("expect error without a fetcher")
	}
}

func TestAdminStats(t *testing.T) {
	stats := func() map[string]int64 {
		return map[string]int64{"calls_total": 7, "faults_total": 1}
	}
	srv := newTestServer(t, NewService(&fakeSession{}, nil, stats))

	var reply StatsReply
	if err := call(t, srv.URL, "Admin.Stats", &StatsArgs{}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Counters["calls_total"] != 7 || reply.Counters["faults_total"] != 1 {
		t.Fatalf("unexpected counters %v", reply.Counters)
	}
}

func TestNormalize(t *testing.T) {
	in := map[string]any{"a": 3.0, "b": []any{2.5, 1e12}, "c": "x"}
	out := normalize(in).(map[string]any)
	if out["a"] != 3 {
		t.Fatalf("a = %#v", out["a"])
	}
	b := out["b"].([]any)
	if b[0] != 2.5 || b[1] != 1e12 {
		t.Fatalf("b = %#v", b)
	}
	if out["c"] != "x" {
		t.Fatalf("c = %#v", out["c"])
	}
}
