package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gwillem/textsecure-go/internal/store"
)

const (
	alice = "11111111-aaaa-4aaa-8aaa-111111111111"
	bob   = "22222222-bbbb-4bbb-8bbb-222222222222"
)

var (
	identityA = []byte{0x05, 0xaa, 0xaa, 0xaa}
	identityB = []byte{0x05, 0xbb, 0xbb, 0xbb}
)

// fakeFetcher scripts FetchKeys responses and counts calls.
type fakeFetcher struct {
	calls     int
	lastScope []int
	fetch     func(recipient string, scope []int) (*DeviceKeys, error)
}

func (f *fakeFetcher) FetchKeys(_ context.Context, recipient string, scope []int) (*DeviceKeys, error) {
	f.calls++
	f.lastScope = scope
	return f.fetch(recipient, scope)
}

// fakeEncryptor produces deterministic non-cryptographic envelopes.
type fakeEncryptor struct{ calls int }

func (f *fakeEncryptor) EncryptFor(_ context.Context, dev store.DeviceRecord, plaintext []byte) (*CiphertextMessage, error) {
	f.calls++
	return &CiphertextMessage{
		Type: 1,
		Body: fmt.Appendf(nil, "ct(%s.%d:%s)", dev.Recipient, dev.DeviceID, plaintext),
	}, nil
}

// fakeTransport replays a scripted sequence of per-submit results and
// records every batch it receives.
type fakeTransport struct {
	results []error // popped in order; empty means success
	batches [][]Envelope
	dests   []string
}

func (f *fakeTransport) SubmitBatch(_ context.Context, recipient string, envs []Envelope) error {
	f.batches = append(f.batches, envs)
	f.dests = append(f.dests, recipient)
	if len(f.results) == 0 {
		return nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func testDispatchStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedDevices(t *testing.T, st *store.Store, recipient string, key []byte, ids ...int) {
	t.Helper()
	var recs []store.DeviceRecord
	for _, id := range ids {
		recs = append(recs, store.DeviceRecord{
			Recipient:      recipient,
			DeviceID:       id,
			IdentityKey:    key,
			RegistrationID: 1000 + id,
		})
	}
	if err := st.ReplaceDevices(recipient, recs); err != nil {
		t.Fatalf("ReplaceDevices: %v", err)
	}
}

func keysFor(key []byte, ids ...int) *DeviceKeys {
	dk := &DeviceKeys{IdentityKey: key}
	for _, id := range ids {
		dk.Devices = append(dk.Devices, FetchedDevice{
			DeviceID:       id,
			PublicKey:      []byte{0x05, byte(id)},
			PreKeyID:       100 + id,
			SignedPreKeyID: 200 + id,
			RegistrationID: 1000 + id,
		})
	}
	return dk
}

func TestDispatchHappyPath(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1, 2)

	fetcher := &fakeFetcher{fetch: func(string, []int) (*DeviceKeys, error) {
		t.Fatal("unexpected device fetch")
		return nil, nil
	}}
	transport := &fakeTransport{}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hello")))

	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != alice {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if len(transport.batches) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(transport.batches))
	}
	batch := transport.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(batch))
	}
	for i, env := range batch {
		if env.DestinationDeviceID != i+1 {
			t.Errorf("envelope %d: device %d", i, env.DestinationDeviceID)
		}
		if env.DestinationRegistrationID != 1000+i+1 {
			t.Errorf("envelope %d: registration id %d", i, env.DestinationRegistrationID)
		}
	}
}

func TestDispatchFetchesUnknownRecipient(t *testing.T) {
	st := testDispatchStore(t)

	fetcher := &fakeFetcher{fetch: func(recipient string, scope []int) (*DeviceKeys, error) {
		if scope != nil {
			t.Errorf("initial fetch should be unscoped, got %v", scope)
		}
		return keysFor(identityA, 1, 3), nil
	}}
	transport := &fakeTransport{}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}

	devices, _ := st.Devices(alice)
	if len(devices) != 2 || devices[0].DeviceID != 1 || devices[1].DeviceID != 3 {
		t.Errorf("registry after fetch: %+v", devices)
	}
	pinned, _ := st.IdentityKey(alice)
	if !bytes.Equal(pinned, identityA) {
		t.Errorf("pinned key %v", pinned)
	}
}

func TestDispatch409Reconciliation(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1, 2, 3)

	fetcher := &fakeFetcher{fetch: func(string, []int) (*DeviceKeys, error) {
		return nil, errors.New("unexpected fetch")
	}}
	transport := &fakeTransport{results: []error{
		&MismatchedDevicesError{Extra: []int{3}},
	}}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Succeeded) != 1 || res.Succeeded[0] != alice {
		t.Fatalf("result = %+v", res)
	}

	// Nothing was missing, so no key fetch was needed.
	if fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.calls)
	}

	// Device 3 pruned from the registry.
	devices, _ := st.Devices(alice)
	if len(devices) != 2 || devices[0].DeviceID != 1 || devices[1].DeviceID != 2 {
		t.Errorf("registry after 409: %+v", devices)
	}

	// Exactly one retry, against devices [1,2].
	if len(transport.batches) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(transport.batches))
	}
	retry := transport.batches[1]
	if len(retry) != 2 || retry[0].DestinationDeviceID != 1 || retry[1].DestinationDeviceID != 2 {
		t.Errorf("retry batch: %+v", retry)
	}
}

func TestDispatch410ScopedRefetch(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1, 2)
	if err := st.StoreSession(alice, 2, &store.SessionRecord{Record: []byte("old"), IdentityKey: identityA}); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	fetcher := &fakeFetcher{fetch: func(_ string, scope []int) (*DeviceKeys, error) {
		return keysFor(identityA, scope...), nil
	}}
	transport := &fakeTransport{results: []error{
		&StaleDevicesError{Stale: []int{2}},
	}}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Succeeded) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
	if len(fetcher.lastScope) != 1 || fetcher.lastScope[0] != 2 {
		t.Errorf("refetch scope = %v, want [2]", fetcher.lastScope)
	}

	// The stale session was archived; device 1 was untouched.
	open, _ := st.HasOpenSession(alice, 2)
	if open {
		t.Error("stale session survived reconciliation")
	}

	// The refresh merged: device 1 is still registered.
	devices, _ := st.Devices(alice)
	if len(devices) != 2 {
		t.Errorf("410 refresh pruned devices: %+v", devices)
	}
}

func TestDispatchRetryLimit(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1)

	fetcher := &fakeFetcher{fetch: func(_ string, scope []int) (*DeviceKeys, error) {
		return keysFor(identityA, scope...), nil
	}}
	transport := &fakeTransport{results: []error{
		&StaleDevicesError{Stale: []int{1}},
		&StaleDevicesError{Stale: []int{1}},
	}}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	var rl *RetryLimitError
	if !errors.As(res.Failed[0].Err, &rl) {
		t.Fatalf("expected RetryLimitError, got %v", res.Failed[0].Err)
	}
	if res.Failed[0].Reason != "hit retry limit reloading device list" {
		t.Errorf("reason = %q", res.Failed[0].Reason)
	}

	// One reconciliation fetch, never a third.
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
	if len(transport.batches) != 2 {
		t.Errorf("submissions = %d, want 2", len(transport.batches))
	}
}

func TestDispatchRelayMismatch(t *testing.T) {
	st := testDispatchStore(t)
	recs := []store.DeviceRecord{
		{Recipient: alice, DeviceID: 1, IdentityKey: identityA, RegistrationID: 1001, Relay: "foo"},
		{Recipient: alice, DeviceID: 2, IdentityKey: identityA, RegistrationID: 1002},
	}
	if err := st.ReplaceDevices(alice, recs); err != nil {
		t.Fatalf("ReplaceDevices: %v", err)
	}

	transport := &fakeTransport{}
	d := New(st, &fakeFetcher{fetch: func(string, []int) (*DeviceKeys, error) {
		return nil, errors.New("unexpected fetch")
	}}, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	var rm *RelayMismatchError
	if !errors.As(res.Failed[0].Err, &rm) {
		t.Fatalf("expected RelayMismatchError, got %v", res.Failed[0].Err)
	}
	if rm.Expected != "foo" || rm.Got != "" || rm.DeviceID != 2 {
		t.Errorf("violation detail: %+v", rm)
	}
	if res.Failed[0].Reason != "mismatched relays" {
		t.Errorf("reason = %q", res.Failed[0].Reason)
	}

	// Submission never happened.
	if len(transport.batches) != 0 {
		t.Errorf("transport was called %d times", len(transport.batches))
	}
}

func TestDispatchIdentityChangeMidSend(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1, 2)
	if err := st.StoreSession(alice, 1, &store.SessionRecord{Record: []byte("s1"), IdentityKey: identityA}); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	fetcher := &fakeFetcher{fetch: func(_ string, scope []int) (*DeviceKeys, error) {
		return keysFor(identityB, scope...), nil // rotated identity
	}}
	transport := &fakeTransport{results: []error{
		&StaleDevicesError{Stale: []int{1}},
	}}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	plaintext := []byte("replay me later")
	res := d.Dispatch(context.Background(), NewJob([]string{alice}, plaintext))

	if len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	var tv *TrustViolationFailure
	if !errors.As(res.Failed[0].Err, &tv) {
		t.Fatalf("expected TrustViolationFailure, got %v", res.Failed[0].Err)
	}
	if res.Failed[0].Reason != "identity key changed" {
		t.Errorf("reason = %q", res.Failed[0].Reason)
	}

	// The failure carries everything needed for an explicit replay.
	if tv.Recipient != alice || !bytes.Equal(tv.ObservedKey, identityB) ||
		!bytes.Equal(tv.PinnedKey, identityA) || !bytes.Equal(tv.Payload, plaintext) {
		t.Errorf("replay payload incomplete: %+v", tv)
	}

	// Registry and session store are exactly as before the attempt.
	devices, _ := st.Devices(alice)
	if len(devices) != 2 {
		t.Errorf("registry mutated: %+v", devices)
	}
	pinned, _ := st.IdentityKey(alice)
	if !bytes.Equal(pinned, identityA) {
		t.Errorf("pinned key mutated: %v", pinned)
	}
	open, _ := st.HasOpenSession(alice, 1)
	if !open {
		t.Error("session archived despite trust violation")
	}
}

func TestDispatchMultiRecipientPartialFailure(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1)
	seedDevices(t, st, bob, identityB, 1)

	transportErr := errors.New("server exploded")
	transport := &scriptedByDest{results: map[string]error{bob: transportErr}}
	enc := &fakeEncryptor{}
	d := New(st, &fakeFetcher{fetch: func(string, []int) (*DeviceKeys, error) {
		return nil, errors.New("unexpected fetch")
	}}, enc, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice, bob}, []byte("hi")))

	if len(res.Succeeded) != 1 || res.Succeeded[0] != alice {
		t.Errorf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].Recipient != bob {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if !errors.Is(res.Failed[0].Err, transportErr) {
		t.Errorf("failure error = %v", res.Failed[0].Err)
	}
	if res.Failed[0].Reason != "failed to send message" {
		t.Errorf("reason = %q", res.Failed[0].Reason)
	}

	// A's path did no extra work because of B: one encryption per device,
	// one submission each.
	if enc.calls != 2 {
		t.Errorf("encrypt calls = %d, want 2", enc.calls)
	}
	if transport.calls != 2 {
		t.Errorf("submit calls = %d, want 2", transport.calls)
	}
}

// scriptedByDest returns a fixed result per destination.
type scriptedByDest struct {
	results map[string]error
	calls   int
}

func (s *scriptedByDest) SubmitBatch(_ context.Context, recipient string, _ []Envelope) error {
	s.calls++
	return s.results[recipient]
}

func TestDispatchCancelledBeforeRecipient(t *testing.T) {
	st := testDispatchStore(t)
	seedDevices(t, st, alice, identityA, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := &fakeTransport{}
	d := New(st, &fakeFetcher{fetch: func(string, []int) (*DeviceKeys, error) {
		return nil, errors.New("unexpected fetch")
	}}, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(ctx, NewJob([]string{alice}, []byte("hi")))

	if len(res.Failed) != 1 || res.Failed[0].Reason != "cancelled" {
		t.Fatalf("result = %+v", res)
	}
	if len(transport.batches) != 0 {
		t.Error("transport called for cancelled job")
	}
}

func TestDispatchRegistrationIDBackfill(t *testing.T) {
	st := testDispatchStore(t)
	recs := []store.DeviceRecord{
		{Recipient: alice, DeviceID: 1, IdentityKey: identityA, RegistrationID: 1001},
		{Recipient: alice, DeviceID: 2, IdentityKey: identityA}, // registration id unknown
	}
	if err := st.ReplaceDevices(alice, recs); err != nil {
		t.Fatalf("ReplaceDevices: %v", err)
	}

	fetcher := &fakeFetcher{fetch: func(_ string, scope []int) (*DeviceKeys, error) {
		return keysFor(identityA, scope...), nil
	}}
	transport := &fakeTransport{}
	d := New(st, fetcher, &fakeEncryptor{}, transport, nil)

	res := d.Dispatch(context.Background(), NewJob([]string{alice}, []byte("hi")))

	if len(res.Failed) != 0 {
		t.Fatalf("failures: %+v", res.Failed)
	}
	if fetcher.calls != 1 || len(fetcher.lastScope) != 1 || fetcher.lastScope[0] != 2 {
		t.Errorf("backfill fetch calls=%d scope=%v", fetcher.calls, fetcher.lastScope)
	}
	batch := transport.batches[0]
	if len(batch) != 2 || batch[1].DestinationRegistrationID != 1002 {
		t.Errorf("batch after backfill: %+v", batch)
	}
}
