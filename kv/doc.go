// Package kv is the durable, encrypted key-value layer underneath the gateway.
//
// A store holds one logical namespace ("local", "sync", ...) and persists it
// as a single blob through a persist.Store. The blob is the JSON document
//
//	{"version":2,"entries":{"<key>":{"v":<value>,"t":"<tag>","o":"default|legacy"}}}
//
// sealed with ChaCha20-Poly1305 under a key derived from the encryption
// secret and the store name. Every mutation rewrites the blob atomically
// before it becomes visible to readers.
//
// Tags are carried but never computed here: deciding what is trusted is the
// gateway's job.
package kv
