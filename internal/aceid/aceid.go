// Package aceid identifies the content a client wants to watch.
//
// Adapted from the teacher's lib/acexy/aceid.go: the same id-or-infohash
// duality, generalized into the orchestrator's "content key + key type"
// vocabulary (spec.md's Stream identity is `{content_key}|{playback_session_id}`,
// and content_key carries a key_type of either "id" or "infohash").
package aceid

import (
	"errors"
	"fmt"
	"net/url"
)

// KeyType distinguishes how a content key was supplied.
type KeyType string

const (
	KeyTypeID       KeyType = "id"
	KeyTypeInfohash KeyType = "infohash"
)

// ContentKey is the opaque identifier shared by every client watching the
// same piece of content.
type ContentKey struct {
	id       string
	infohash string
}

// New validates and builds a ContentKey from exactly one of id/infohash.
func New(id, infohash string) (ContentKey, error) {
	if id == "" && infohash == "" {
		return ContentKey{}, errors.New("one of `id` or `infohash` must have a value")
	}
	if id != "" && infohash != "" {
		return ContentKey{}, errors.New("only one of `id` or `infohash` can have a value")
	}
	return ContentKey{id: id, infohash: infohash}, nil
}

// FromParams builds a ContentKey from URL query parameters.
func FromParams(params url.Values) (ContentKey, error) {
	return New(params.Get("id"), params.Get("infohash"))
}

// Type returns the key type and value, preferring infohash when both would
// somehow be present.
func (k ContentKey) Type() (KeyType, string) {
	if k.infohash != "" {
		return KeyTypeInfohash, k.infohash
	}
	return KeyTypeID, k.id
}

// Key returns the bare string identifier, regardless of its type.
func (k ContentKey) Key() string {
	_, v := k.Type()
	return v
}

func (k ContentKey) String() string {
	t, v := k.Type()
	return fmt.Sprintf("{%s: %s}", t, v)
}
