package observe

import (
	"time"

	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/pkg/coapsync"
)

// observerKey keys one observer relation by (resource, remote, token) in a
// single owned table, breaking the resource<->observer back-pointer cycle
// the original design carries (spec §9 "Cyclic references").
type observerKey struct {
	resourceID string
	remote     string
	token      string
}

// observerState is the per-observer bookkeeping the registry needs to
// enforce freshness and the drop-after-timeout policy.
type observerState struct {
	remote          string
	token           message.Token
	lastCode        uint8
	lastSeq         uint32
	lastContentType message.MediaType
	lastETag        []byte
	lastEventAt     time.Time
	consecutiveFail int
	notifyCount     int
}

// Registry is the server-side observer set, one entry per (resource,
// remote, token).
type Registry struct {
	maxConsecutiveFail int
	byResource         *coapsync.Map[string, *coapsync.Map[observerKey, *observerState]]
}

// NewRegistry builds a Registry that drops an observer after
// maxConsecutiveFail+1 timed-out notifications (spec §4.5 "Dropping an
// observer"). Pass reliability.DefaultParams().MaxRetransmit.
func NewRegistry(maxConsecutiveFail int) *Registry {
	return &Registry{
		maxConsecutiveFail: maxConsecutiveFail,
		byResource:         coapsync.NewMap[string, *coapsync.Map[observerKey, *observerState]](),
	}
}

func (r *Registry) resourceMap(resourceID string) *coapsync.Map[observerKey, *observerState] {
	m, _ := r.byResource.LoadOrStore(resourceID, coapsync.NewMap[observerKey, *observerState]())
	return m
}

// Register adds (remote, token) as an observer of resourceID, seeding the
// sequence number per spec §4.5: "adds (remote, token) to the observer set
// with last_seq = now_millis mod 2^24".
func (r *Registry) Register(resourceID, remote string, token message.Token, now time.Time) {
	st := &observerState{
		remote:      remote,
		token:       append(message.Token{}, token...),
		lastSeq:     uint32(now.UnixMilli()) % SequenceModulus,
		lastEventAt: now,
	}
	r.resourceMap(resourceID).Store(observerKey{resourceID, remote, string(token)}, st)
}

// Deregister removes (remote, token) from resourceID's observer set.
func (r *Registry) Deregister(resourceID, remote string, token message.Token) {
	r.resourceMap(resourceID).Delete(observerKey{resourceID, remote, string(token)})
}

// DeregisterRemote removes every observer relation held by remote across
// all resources.
func (r *Registry) DeregisterRemote(remote string) {
	r.byResource.Range(func(resourceID string, m *coapsync.Map[observerKey, *observerState]) bool {
		m.Range(func(k observerKey, _ *observerState) bool {
			if k.remote == remote {
				m.Delete(k)
			}
			return true
		})
		return true
	})
}

// DeregisterToken removes the observer relation for (remote, token)
// regardless of which resource it observes, used when an RST is received
// for a notification (spec §4.5 "or upon receipt of RST, the observer is
// removed"). A token identifies at most one observation per remote, so this
// is equivalent to a resource-scoped Deregister without needing the
// dispatcher to track the resource ID.
func (r *Registry) DeregisterToken(remote string, token message.Token) {
	tok := string(token)
	r.byResource.Range(func(resourceID string, m *coapsync.Map[observerKey, *observerState]) bool {
		m.Range(func(k observerKey, _ *observerState) bool {
			if k.remote == remote && k.token == tok {
				m.Delete(k)
			}
			return true
		})
		return true
	})
}

// Observer is a snapshot of one observer relation, returned to the caller
// that fans out a notification.
type Observer struct {
	Remote      string
	Token       message.Token
	NextSeq     uint32
	NotifyCount int
}

// Fanout returns the current observer set for resourceID along with the
// next fresh sequence number each should receive, without mutating state
// (the caller commits via Advance once the send has actually happened, so
// a failed send doesn't desynchronise the sequence).
func (r *Registry) Fanout(resourceID string, now time.Time) []Observer {
	var out []Observer
	r.resourceMap(resourceID).Range(func(k observerKey, st *observerState) bool {
		out = append(out, Observer{
			Remote:      st.remote,
			Token:       st.token,
			NextSeq:     NextSequence(st.lastSeq, st.lastEventAt, now),
			NotifyCount: st.notifyCount,
		})
		return true
	})
	return out
}

// Advance records that a notification with the given code/sequence/
// content-format/ETag was sent to (resource, remote, token) at now,
// resetting the consecutive-failure counter (spec §3 "Observer relation":
// last_notification_code, last_seq_number, last_content_format, last_etag).
func (r *Registry) Advance(resourceID, remote string, token message.Token, code uint8, seq uint32, cf message.MediaType, etag []byte, now time.Time) {
	r.resourceMap(resourceID).ReplaceWithFunc(observerKey{resourceID, remote, string(token)},
		func(old *observerState, loaded bool) (*observerState, bool) {
			if !loaded {
				return old, true
			}
			old.lastCode = code
			old.lastSeq = seq
			old.lastContentType = cf
			old.lastETag = append([]byte(nil), etag...)
			old.lastEventAt = now
			old.consecutiveFail = 0
			old.notifyCount++
			return old, false
		})
}

// LastNotification returns the bookkeeping recorded by the most recent
// Advance call for (resource, remote, token).
func (r *Registry) LastNotification(resourceID, remote string, token message.Token) (code uint8, seq uint32, cf message.MediaType, etag []byte, ok bool) {
	st, found := r.resourceMap(resourceID).Load(observerKey{resourceID, remote, string(token)})
	if !found {
		return 0, 0, 0, nil, false
	}
	return st.lastCode, st.lastSeq, st.lastContentType, st.lastETag, true
}

// RecordTimeout records a timed-out CON notification; once it exceeds
// maxConsecutiveFail, the observer is dropped and dropped=true is returned
// (spec §4.5 "after MAX_RETRANSMIT + 1 consecutive CON notifications time
// out... the observer is removed").
func (r *Registry) RecordTimeout(resourceID, remote string, token message.Token) (dropped bool) {
	k := observerKey{resourceID, remote, string(token)}
	rm := r.resourceMap(resourceID)
	rm.ReplaceWithFunc(k, func(old *observerState, loaded bool) (*observerState, bool) {
		if !loaded {
			return old, true
		}
		old.consecutiveFail++
		if old.consecutiveFail > r.maxConsecutiveFail {
			dropped = true
			return old, true
		}
		return old, false
	})
	return dropped
}

// Count returns the number of observers currently registered for
// resourceID.
func (r *Registry) Count(resourceID string) int {
	return r.resourceMap(resourceID).Len()
}

// ResourceObserver pairs an observer relation with the resource it
// observes, for sweeps that need to touch every relation at once
// regardless of resource (spec §6 "shutdown() ... sends RST to active
// observers").
type ResourceObserver struct {
	ResourceID string
	Remote     string
	Token      message.Token
}

// All returns every observer relation currently registered across every
// resource, without mutating state.
func (r *Registry) All() []ResourceObserver {
	var out []ResourceObserver
	r.byResource.Range(func(resourceID string, m *coapsync.Map[observerKey, *observerState]) bool {
		m.Range(func(_ observerKey, st *observerState) bool {
			out = append(out, ResourceObserver{ResourceID: resourceID, Remote: st.remote, Token: st.token})
			return true
		})
		return true
	})
	return out
}
