// Package permission keeps the per-domain trust decisions of the custodian.
//
// A domain that was ever adjudicated by the operator with a scope other than
// "just this once" has exactly one record here, carrying an allow or deny
// decision and an optional expiry. Expired records, and records written by
// older versions that lack a decision field, are never honored: they are
// purged the first time they are read. Exact expiry timing is therefore not
// guaranteed, only that an expired record is never acted on once observed.
package permission

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/nbd-wtf/custodian/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decision is the trust status of a domain.
type Decision int

const (
	// Unknown means no usable record exists: the operator must be asked.
	Unknown Decision = iota
	Allowed
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allow"
	case Denied:
		return "deny"
	}
	return "unknown"
}

const keyPrefix = "perm:"

// Record is the stored form of a trust decision.
type Record struct {
	Domain    string           `json:"domain"`
	Decision  string           `json:"decision"`
	CreatedAt nostr.Timestamp  `json:"created_at"`
	ExpiresAt *nostr.Timestamp `json:"expires_at,omitempty"`
}

// Store maps domains to trust decisions on top of a KV backend.
//
// Every operation on a single domain rides the backend's atomic per-key
// primitives (Set, Delete, Update), so overlapping requests for the same
// domain cannot interleave a read-purge with a write and resurrect a stale
// record: the purge-on-read and the sweep both re-examine the record inside
// an Update critical section before removing it.
type Store struct {
	kv store.KV

	// now is swappable for tests
	now func() nostr.Timestamp
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: nostr.Now}
}

func key(domain string) []byte {
	return []byte(keyPrefix + domain)
}

// Get returns the current decision for domain. A record that is expired or
// that lacks a decision field is purged and reported as Unknown. Both the
// classification and the purge happen inside one atomic Update, so a write
// landing concurrently is either observed whole or left untouched.
func (s *Store) Get(domain string) (Decision, error) {
	d := Unknown
	err := s.kv.Update(key(domain), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, store.NoOp
		}
		dec, void := s.classify(current)
		if void {
			return nil, nil
		}
		d = dec
		return nil, store.NoOp
	})
	if err != nil {
		return Unknown, fmt.Errorf("failed to read permission for %s: %w", domain, err)
	}
	return d, nil
}

// classify inspects a raw record and returns its decision, or void=true when
// the record must be purged (expired, legacy, or unparseable).
func (s *Store) classify(raw []byte) (Decision, bool) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return Unknown, true
	}

	if exp := parsed.Get("expires_at"); exp.Exists() {
		if nostr.Timestamp(exp.Int()) < s.now() {
			return Unknown, true
		}
	}

	switch parsed.Get("decision").String() {
	case "allow":
		return Allowed, false
	case "deny":
		return Denied, false
	}
	// old versions stored bare `{"domain": ...}` entries with the decision
	// implied elsewhere; those are void, never coerced
	return Unknown, true
}

// Upsert replaces whatever record exists for domain with a fresh one. A nil
// expiresAt means the decision is permanent.
func (s *Store) Upsert(domain string, decision Decision, expiresAt *nostr.Timestamp) error {
	if decision != Allowed && decision != Denied {
		return fmt.Errorf("refusing to store decision %q for %s", decision, domain)
	}

	rec := Record{
		Domain:    domain,
		Decision:  decision.String(),
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(key(domain), raw)
}

// Revoke removes the record for domain. Revoking an absent domain is fine.
func (s *Store) Revoke(domain string) error {
	return s.kv.Delete(key(domain))
}

// List returns every currently valid record, for display. Void records
// encountered along the way are skipped but not purged (the purge belongs
// to Get and SweepExpired).
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.kv.Scan([]byte(keyPrefix), func(k, v []byte) bool {
		if _, void := s.classify(v); void {
			return true
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err == nil {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}

// SweepExpired removes every expired or decision-less record and returns how
// many were dropped. This is housekeeping: correctness never depends on the
// sweep running, because Get purges lazily.
func (s *Store) SweepExpired() (int, error) {
	var stale [][]byte
	err := s.kv.Scan([]byte(keyPrefix), func(k, v []byte) bool {
		if _, void := s.classify(v); void {
			kc := make([]byte, len(k))
			copy(kc, k)
			stale = append(stale, kc)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	// each candidate is re-examined inside an atomic Update: a record that
	// was refreshed between the scan and now is no longer void and survives
	removed := 0
	for _, k := range stale {
		err := s.kv.Update(k, func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, store.NoOp
			}
			if _, void := s.classify(current); !void {
				return nil, store.NoOp
			}
			removed++
			return nil, nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}
