// Package scope implements the Subscription & Scope Resolver (spec §4.5):
// it intersects what an actor is authorized to see with what a subscription
// has declared, and decides whether a given emitted Change is in that
// subscription's fan-out set.
package scope

import "sort"

// Wildcard is the scope value meaning "all accessible" (spec §4.5).
const Wildcard = "*"

// Authorized is the result of handler.Handler.ResolveScopes: for each scope
// dimension, the set of concrete values the actor may see. A dimension
// missing from the map means the actor has no access on it at all; a
// dimension mapped to [Wildcard] means unrestricted access on it.
type Authorized map[string][]string

// Declared is a subscription's requested scope mapping (spec §3,
// Subscription entity): one declared value (possibly Wildcard) per
// dimension.
type Declared map[string]string

// Effective is the per-dimension set of values a subscription is both
// authorized for and has declared interest in.
type Effective map[string][]string

// Resolve intersects authorized with declared, per spec §4.5: "The resolver
// intersects the actor's authorized scope set... with the declared
// subscription scopes; the result selects which emitted changes flow to
// this subscription."
func Resolve(authorized Authorized, declared Declared) Effective {
	eff := make(Effective, len(declared))
	for dim, declaredVal := range declared {
		allowed, ok := authorized[dim]
		if !ok {
			continue // no access on this dimension at all
		}
		if declaredVal == Wildcard {
			eff[dim] = allowed
			continue
		}
		if containsWildcard(allowed) || contains(allowed, declaredVal) {
			eff[dim] = []string{declaredVal}
		}
	}
	return eff
}

// Matches reports whether a change tagged with changeScopes is within the
// subscription's effective scope set, per spec's Scope confinement
// invariant (§8): "delivered iff S ⊆ R (per dimension, with * covering any
// value)".
func (e Effective) Matches(changeScopes map[string]string) bool {
	for dim, val := range changeScopes {
		allowed, ok := e[dim]
		if !ok {
			return false
		}
		if containsWildcard(allowed) {
			continue
		}
		if !contains(allowed, val) {
			return false
		}
	}
	return true
}

// Revoked returns the dimension/value pairs present in prior but absent
// from current — scope values the actor has lost access to since the last
// resolution. Syncular's chosen revocation strategy (spec §4.5 Open
// Question, decided in DESIGN.md) is to synthesize deletes for rows tagged
// with a revoked value rather than forcing a full rebootstrap; the server
// sync engine calls this once per pull to decide whether that is needed.
func Revoked(prior, current Effective) map[string][]string {
	out := map[string][]string{}
	for dim, priorVals := range prior {
		curVals := current[dim]
		for _, v := range priorVals {
			if v == Wildcard {
				if len(curVals) == 0 {
					out[dim] = append(out[dim], v)
				}
				continue
			}
			if !contains(curVals, v) && !containsWildcard(curVals) {
				out[dim] = append(out[dim], v)
			}
		}
	}
	return out
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func containsWildcard(vals []string) bool {
	return contains(vals, Wildcard)
}

// Key returns a stable string key for a Declared scope mapping, used as the
// scope_key component of a snapshot chunk's page key (spec §4.6).
func (d Declared) Key() string {
	if len(d) == 0 {
		return ""
	}
	// Deterministic ordering keeps identical declared scopes hashing to the
	// same chunk key regardless of map iteration order.
	dims := make([]string, 0, len(d))
	for k := range d {
		dims = append(dims, k)
	}
	sort.Strings(dims)
	key := ""
	for _, dim := range dims {
		key += dim + "=" + d[dim] + ";"
	}
	return key
}
