package custodian

import (
	"fmt"
	"math"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// MaxCreatedAtSkew is how far an event's created_at may drift from the
// current time, in seconds, before the event is refused. Catches both clock
// abuse and replay of stale event templates.
const MaxCreatedAtSkew = 3600

// ValidateEventJSON checks the structural shape of an unsigned event
// submitted for signing. It returns every defect found, not just the first,
// so the approval surface can list all of them. An empty result means the
// event is acceptable.
//
// Validation happens on the raw JSON rather than a decoded struct because
// most of the rules are shape rules (is "kind" an integer, is "tags" an
// array) that decoding into a typed struct would either erase or turn into
// a single opaque unmarshal error.
func ValidateEventJSON(raw []byte, now nostr.Timestamp) []string {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return []string{"event is not an object"}
	}

	var errs []string

	kind := parsed.Get("kind")
	if !kind.Exists() {
		errs = append(errs, `missing "kind"`)
	} else if !isInteger(kind) {
		errs = append(errs, `"kind" is not an integer`)
	}

	createdAt := parsed.Get("created_at")
	if !createdAt.Exists() {
		errs = append(errs, `missing "created_at"`)
	} else if !isInteger(createdAt) {
		errs = append(errs, `"created_at" is not an integer`)
	} else {
		diff := createdAt.Int() - int64(now)
		if diff > MaxCreatedAtSkew || diff < -MaxCreatedAtSkew {
			errs = append(errs, fmt.Sprintf(
				`"created_at" is more than %d seconds away from the current time`, MaxCreatedAtSkew))
		}
	}

	if tags := parsed.Get("tags"); !tags.Exists() || !tags.IsArray() {
		errs = append(errs, `"tags" is not an array`)
	}

	if content := parsed.Get("content"); !content.Exists() || content.Type != gjson.String {
		errs = append(errs, `"content" is not a string`)
	}

	return errs
}

func isInteger(r gjson.Result) bool {
	return r.Type == gjson.Number && r.Num == math.Trunc(r.Num)
}
