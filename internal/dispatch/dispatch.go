// Package dispatch implements multi-device fan-out of one logical
// message: one envelope per recipient device, batch submission, and the
// bounded reconciliation retry that follows a device-list conflict.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/textsecure-go/internal/store"
)

// A conflict response permits exactly one reconciliation retry per
// recipient; a second conflict is terminal.
const maxConflictRetries = 1

// Job is one logical outgoing message destined to one or more
// recipients. Jobs are created per message and discarded once a Result
// is produced; persisting unfinished jobs across restarts is the
// caller's concern.
type Job struct {
	ID         uuid.UUID
	Timestamp  int64 // ms
	Recipients []string
	Plaintext  []byte
}

// NewJob creates a Job stamped with the current time.
func NewJob(recipients []string, plaintext []byte) *Job {
	return &Job{
		ID:         uuid.New(),
		Timestamp:  time.Now().UnixMilli(),
		Recipients: recipients,
		Plaintext:  plaintext,
	}
}

// Failure describes one recipient's terminal error within a job.
type Failure struct {
	Recipient string
	Reason    string
	Err       error
}

// Result is the full per-recipient partition of a finished job. Partial
// delivery is an expected outcome, so a job never reduces to a single
// boolean.
type Result struct {
	Succeeded []string
	Failed    []Failure
}

// Dispatcher drives the per-recipient send state machine. All device,
// identity, and session state lives behind the DataStore; the fetcher,
// encryptor, and transport are external collaborators.
type Dispatcher struct {
	store     DataStore
	fetcher   DeviceFetcher
	encryptor Encryptor
	transport Transport
	logger    *log.Logger
	queue     *keyedQueue
}

// New creates a Dispatcher. logger may be nil to disable logging.
func New(st DataStore, fetcher DeviceFetcher, encryptor Encryptor, transport Transport, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		fetcher:   fetcher,
		encryptor: encryptor,
		transport: transport,
		logger:    logger,
		queue:     newKeyedQueue(),
	}
}

// Dispatch runs the job to completion. Each recipient progresses through
// its own state machine independently; one recipient's failure never
// blocks or rolls back another's success. Operations for the same
// recipient across concurrent jobs are serialized by the keyed queue.
//
// ctx cancellation takes effect before a recipient starts; a recipient
// whose batch has been submitted always completes conflict
// interpretation, so registry and session state stay consistent with
// what the server observed.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) *Result {
	logf(d.logger, "dispatch: job %s to %d recipient(s)", job.ID, len(job.Recipients))

	type outcome struct {
		recipient string
		err       error
	}
	outcomes := make(chan outcome, len(job.Recipients))

	var wg sync.WaitGroup
	for _, recipient := range job.Recipients {
		recipient := recipient
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.queue.Run(recipient, func() {
				if err := ctx.Err(); err != nil {
					outcomes <- outcome{recipient, err}
					return
				}
				outcomes <- outcome{recipient, d.sendToRecipient(ctx, recipient, job)}
			})
		}()
	}
	wg.Wait()
	close(outcomes)

	res := &Result{}
	for o := range outcomes {
		if o.err == nil {
			res.Succeeded = append(res.Succeeded, o.recipient)
			continue
		}
		logf(d.logger, "dispatch: job %s recipient %s failed: %v", job.ID, o.recipient, o.err)
		res.Failed = append(res.Failed, Failure{
			Recipient: o.recipient,
			Reason:    failureReason(o.err),
			Err:       o.err,
		})
	}
	return res
}

// recipientState enumerates the per-recipient send state machine. The
// single loop in sendToRecipient plus the attempt counter make the
// one-retry bound structural rather than a property of call depth.
type recipientState int

const (
	stateNeedDevices recipientState = iota
	stateEncrypting
	stateSubmitting
	stateRefetching
)

func (d *Dispatcher) sendToRecipient(ctx context.Context, recipient string, job *Job) error {
	devices, err := d.store.Devices(recipient)
	if err != nil {
		return fmt.Errorf("dispatch: load devices: %w", err)
	}

	state := stateEncrypting
	if len(devices) == 0 {
		state = stateNeedDevices
	}

	attempt := 0
	var scope []int          // device ids to refetch after a conflict
	var archiveAfter []int   // stale sessions, archived only once trust is re-validated
	var envelopes []Envelope

	for {
		switch state {
		case stateNeedDevices:
			keys, err := d.fetcher.FetchKeys(ctx, recipient, nil)
			if err != nil {
				return fmt.Errorf("dispatch: fetch device keys: %w", err)
			}
			if err := d.adoptKeys(recipient, keys, job.Plaintext); err != nil {
				return err
			}
			state = stateEncrypting

		case stateEncrypting:
			devices, err = d.store.Devices(recipient)
			if err != nil {
				return fmt.Errorf("dispatch: load devices: %w", err)
			}
			if len(devices) == 0 {
				return fmt.Errorf("dispatch: empty device list for %s", recipient)
			}
			if devices, err = d.backfillRegistrationIDs(ctx, recipient, devices, job.Plaintext); err != nil {
				return err
			}
			envelopes, err = d.encryptForDevices(ctx, recipient, devices, job)
			if err != nil {
				return err
			}
			state = stateSubmitting

		case stateSubmitting:
			err := d.transport.SubmitBatch(ctx, recipient, envelopes)
			if err == nil {
				logf(d.logger, "dispatch: job %s delivered to %s (%d devices)", job.ID, recipient, len(envelopes))
				return nil
			}

			var mismatch *MismatchedDevicesError
			var stale *StaleDevicesError
			switch {
			case errors.As(err, &mismatch):
				if attempt >= maxConflictRetries {
					return &RetryLimitError{Recipient: recipient}
				}
				logf(d.logger, "dispatch: 409 for %s missing=%v extra=%v", recipient, mismatch.Missing, mismatch.Extra)
				if len(mismatch.Extra) > 0 {
					if _, rerr := d.store.RemoveDevices(recipient, mismatch.Extra); rerr != nil {
						return fmt.Errorf("dispatch: prune extra devices: %w", rerr)
					}
				}
				scope, archiveAfter = mismatch.Missing, nil
				state = stateRefetching

			case errors.As(err, &stale):
				if attempt >= maxConflictRetries {
					return &RetryLimitError{Recipient: recipient}
				}
				logf(d.logger, "dispatch: 410 for %s stale=%v", recipient, stale.Stale)
				scope, archiveAfter = stale.Stale, stale.Stale
				state = stateRefetching

			default:
				return fmt.Errorf("dispatch: submit batch: %w", err)
			}

		case stateRefetching:
			attempt++
			// A 409 that only reported extras has nothing to refetch.
			if len(scope) > 0 {
				keys, err := d.fetcher.FetchKeys(ctx, recipient, scope)
				if err != nil {
					return fmt.Errorf("dispatch: reload device keys: %w", err)
				}
				if err := d.adoptKeys(recipient, keys, job.Plaintext); err != nil {
					return err
				}
			}
			// Stale sessions are dropped only after the refreshed identity
			// key passed the trust check, so a violation leaves the session
			// store exactly as it was before the attempt.
			for _, id := range archiveAfter {
				if aerr := d.store.ArchiveSession(recipient, id); aerr != nil {
					return fmt.Errorf("dispatch: archive stale session: %w", aerr)
				}
			}
			archiveAfter = nil
			state = stateEncrypting
		}
	}
}

// adoptKeys validates a key fetch response against the pinned identity
// and merges the returned devices into the registry. The merge updates
// and adds records but never prunes devices the server did not name;
// only a 409 extraDevices list removes. On an identity mismatch nothing
// is written and a replayable *TrustViolationFailure is returned.
func (d *Dispatcher) adoptKeys(recipient string, keys *DeviceKeys, plaintext []byte) error {
	if err := d.store.CheckIdentity(recipient, keys.IdentityKey); err != nil {
		var tv *store.TrustViolationError
		if errors.As(err, &tv) {
			pinned, _ := d.store.IdentityKey(recipient)
			return &TrustViolationFailure{
				Recipient:   recipient,
				PinnedKey:   pinned,
				ObservedKey: tv.ObservedKey,
				Payload:     plaintext,
			}
		}
		return fmt.Errorf("dispatch: identity check: %w", err)
	}

	current, err := d.store.Devices(recipient)
	if err != nil {
		return fmt.Errorf("dispatch: load devices: %w", err)
	}

	merged := make([]store.DeviceRecord, 0, len(current)+len(keys.Devices))
	fetched := make(map[int]FetchedDevice, len(keys.Devices))
	for _, fd := range keys.Devices {
		fetched[fd.DeviceID] = fd
	}
	for _, rec := range current {
		if fd, ok := fetched[rec.DeviceID]; ok {
			merged = append(merged, deviceRecord(recipient, keys.IdentityKey, fd))
			delete(fetched, rec.DeviceID)
		} else {
			merged = append(merged, rec)
		}
	}
	for _, fd := range keys.Devices {
		if _, ok := fetched[fd.DeviceID]; ok {
			merged = append(merged, deviceRecord(recipient, keys.IdentityKey, fd))
		}
	}

	if err := d.store.ReplaceDevices(recipient, merged); err != nil {
		return fmt.Errorf("dispatch: store devices: %w", err)
	}
	return nil
}

func deviceRecord(recipient string, identityKey []byte, fd FetchedDevice) store.DeviceRecord {
	return store.DeviceRecord{
		Recipient:      recipient,
		DeviceID:       fd.DeviceID,
		IdentityKey:    identityKey,
		RegistrationID: fd.RegistrationID,
		Relay:          fd.Relay,
	}
}

// backfillRegistrationIDs fetches keys for any device record missing a
// registration id before the first encryption pass, mirroring the
// pre-send backfill the server expects.
func (d *Dispatcher) backfillRegistrationIDs(ctx context.Context, recipient string, devices []store.DeviceRecord, plaintext []byte) ([]store.DeviceRecord, error) {
	var needKeys []int
	for _, dev := range devices {
		if dev.RegistrationID == 0 {
			needKeys = append(needKeys, dev.DeviceID)
		}
	}
	if len(needKeys) == 0 {
		return devices, nil
	}

	keys, err := d.fetcher.FetchKeys(ctx, recipient, needKeys)
	if err != nil {
		return nil, fmt.Errorf("dispatch: backfill registration ids: %w", err)
	}
	if err := d.adoptKeys(recipient, keys, plaintext); err != nil {
		return nil, err
	}
	devices, err = d.store.Devices(recipient)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load devices: %w", err)
	}
	return devices, nil
}

// encryptForDevices produces one envelope per device. The first device's
// relay (or its absence) becomes the expected value for the whole batch;
// any later disagreement aborts the recipient before submission.
func (d *Dispatcher) encryptForDevices(ctx context.Context, recipient string, devices []store.DeviceRecord, job *Job) ([]Envelope, error) {
	var relay string
	envelopes := make([]Envelope, 0, len(devices))

	for i, dev := range devices {
		if i == 0 {
			relay = dev.Relay
		} else if dev.Relay != relay {
			return nil, &RelayMismatchError{
				Recipient: recipient,
				DeviceID:  dev.DeviceID,
				Expected:  relay,
				Got:       dev.Relay,
			}
		}

		msg, err := d.encryptor.EncryptFor(ctx, dev, job.Plaintext)
		if err != nil {
			return nil, fmt.Errorf("dispatch: encrypt for %s.%d: %w", recipient, dev.DeviceID, err)
		}
		envelopes = append(envelopes, Envelope{
			Type:                      msg.Type,
			DestinationDeviceID:       dev.DeviceID,
			DestinationRegistrationID: dev.RegistrationID,
			Body:                      msg.Body,
			Timestamp:                 job.Timestamp,
			Relay:                     dev.Relay,
		})
	}
	return envelopes, nil
}

func failureReason(err error) string {
	var tv *TrustViolationFailure
	var rl *RetryLimitError
	var rm *RelayMismatchError
	switch {
	case errors.As(err, &tv):
		return "identity key changed"
	case errors.As(err, &rl):
		return "hit retry limit reloading device list"
	case errors.As(err, &rm):
		return "mismatched relays"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed to send message"
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
