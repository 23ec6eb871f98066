// Package integrity authenticates stored values with keyed tags.
//
// Values are JSON documents. Before hashing they are canonicalized, so a value
// re-encoded with different key order or whitespace keeps its tag. Tags are
// HMAC-SHA-256 under the integrity secret, hex encoded.
//
// Tagged[V] keeps a value and its tag in one record rather than in sibling
// keys, which removes any chance of a user key colliding with a tag key.
package integrity
